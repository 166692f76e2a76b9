/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package pipeline

import (
	"strconv"

	"github.com/courierd/courier/framework/exterrors"
)

// The reply text here is sent to the client verbatim; changing wording
// changes the wire contract, not just a log message.

func queuedReply(queueID uint64) *exterrors.SMTPError {
	return &exterrors.SMTPError{
		Code:         250,
		EnhancedCode: exterrors.EnhancedCode{2, 0, 0},
		Message:      "Message queued with id " + strconv.FormatUint(queueID, 16) + ".",
		CheckName:    "pipeline",
	}
}

func queuedForDeliveryReply() *exterrors.SMTPError {
	return &exterrors.SMTPError{
		Code:         250,
		EnhancedCode: exterrors.EnhancedCode{2, 0, 0},
		Message:      "Message queued for delivery.",
		CheckName:    "pipeline",
	}
}

func loopDetectedReply(count int) *exterrors.SMTPError {
	return &exterrors.SMTPError{
		Code:         450,
		EnhancedCode: exterrors.EnhancedCode{4, 4, 6},
		Message:      "Too many Received headers. Possible loop detected.",
		CheckName:    "pipeline",
		Misc:         map[string]interface{}{"received_count": count},
	}
}

func parseFailureReply(err error) *exterrors.SMTPError {
	return &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 7},
		Message:      "Failed to parse message.",
		CheckName:    "pipeline",
		Err:          err,
	}
}

func spamScoreReply(score float64) *exterrors.SMTPError {
	return &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
		Message:      "Message rejected due to excessive spam score.",
		CheckName:    "pipeline",
		Misc:         map[string]interface{}{"score": score},
	}
}

func queueFullReply() *exterrors.SMTPError {
	return &exterrors.SMTPError{
		Code:         452,
		EnhancedCode: exterrors.EnhancedCode{4, 3, 1},
		Message:      "Mail system full, try again later.",
		CheckName:    "pipeline",
	}
}

func unableToAcceptReply(err error) *exterrors.SMTPError {
	return &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: exterrors.EnhancedCode{4, 3, 5},
		Message:      "Unable to accept message at this time.",
		CheckName:    "pipeline",
		Err:          err,
	}
}

func internalErrorReply(stage string, err error) *exterrors.SMTPError {
	return &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: exterrors.EnhancedCode{4, 3, 5},
		Message:      "Unable to accept message at this time.",
		CheckName:    "pipeline",
		Misc:         map[string]interface{}{"stage": stage},
		Err:          err,
	}
}

func rewriteBusFailure(reason error) *exterrors.SMTPError {
	return &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: exterrors.EnhancedCode{4, 3, 5},
		Message:      "Unable to accept message at this time.",
		CheckName:    "pipeline/rewrite",
		Err:          reason,
	}
}

func scriptRejection(reason string) *exterrors.SMTPError {
	return &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
		Message:      reason,
		CheckName:    "pipeline/script",
	}
}
