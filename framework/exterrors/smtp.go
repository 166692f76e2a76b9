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

package exterrors

import "fmt"

// EnhancedCode is the RFC 3463 status code attached to a SMTPError, e.g.
// {5, 7, 1} for "5.7.1". It has the same layout as smtp.EnhancedCode
// (github.com/emersion/go-smtp) so the two convert freely without a
// dependency from this package on go-smtp.
type EnhancedCode [3]int

// SMTPError is an error that carries enough information to be reported to
// the SMTP client as-is: a reply code, an enhanced status code and a
// message. Unlike a bare *smtp.SMTPError, it also threads CheckName/Err
// through so the fields machinery in this package (WithFields, Fields) can
// recover them from an arbitrarily wrapped error chain - this is how
// endpoint/smtp's session code turns a module.CheckResult.Reason or a
// modifier/target error into the literal SMTP reply, via the
// "smtp_code"/"smtp_enchcode"/"smtp_msg" keys Fields exposes.
type SMTPError struct {
	Code         int
	EnhancedCode EnhancedCode
	Message      string

	// CheckName identifies the check or modifier that produced this error,
	// for logging; it is not sent to the client.
	CheckName string

	// Misc carries additional fields to merge into Fields(), e.g. "reason"
	// or "domain" values useful for log correlation.
	Misc map[string]interface{}

	// Err is the underlying cause, if any. Exposed via Unwrap so
	// errors.Is/errors.As see through to it.
	Err error
}

func (err *SMTPError) Error() string {
	msg := fmt.Sprintf("%d %d.%d.%d %s", err.Code,
		err.EnhancedCode[0], err.EnhancedCode[1], err.EnhancedCode[2], err.Message)
	if err.CheckName != "" {
		msg = err.CheckName + ": " + msg
	}
	return msg
}

func (err *SMTPError) Unwrap() error {
	return err.Err
}

// Temporary reports whether the reply code is in the 4xx class. Most
// call-sites construct SMTPError directly (rather than through
// WithTemporary) and rely on this to make exterrors.IsTemporary agree with
// the code they chose.
func (err *SMTPError) Temporary() bool {
	return err.Code/100 == 4
}

func (err *SMTPError) Fields() map[string]interface{} {
	fields := make(map[string]interface{}, len(err.Misc)+4)
	for k, v := range err.Misc {
		fields[k] = v
	}
	fields["smtp_code"] = err.Code
	fields["smtp_enchcode"] = err.EnhancedCode
	fields["smtp_msg"] = err.Message
	if err.CheckName != "" {
		fields["check"] = err.CheckName
	}
	return fields
}
