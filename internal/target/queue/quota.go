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

package queue

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/courierd/courier/framework/exterrors"
)

// NewQueueID assigns the 64-bit id a message keeps for its entire queue
// lifetime: stamped into QueueMetadata.QueueID by Start, before any header
// referencing it (Received, bounce Message-Id) is produced.
func NewQueueID() uint64 {
	var buf [8]byte
	// crypto/rand.Read on an [8]byte slice does not fail in practice; a
	// zero id is harmless (it just collides log correlation, not data).
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint64(buf[:])
}

// reserveQuota accounts n additional bytes against the queue's configured
// max_queue_size, refusing the reservation with a 452 reply if it would be
// exceeded. A non-positive maxQueueBytes means unbounded.
func (q *Queue) reserveQuota(n int64) error {
	if q.maxQueueBytes <= 0 {
		return nil
	}

	q.sizeMu.Lock()
	defer q.sizeMu.Unlock()

	if q.queuedBytes+n > q.maxQueueBytes {
		return &exterrors.SMTPError{
			Code:         452,
			EnhancedCode: exterrors.EnhancedCode{4, 3, 1},
			Message:      "Mail system full, try again later.",
			CheckName:    "queue",
			Misc:         map[string]interface{}{"queued_bytes": q.queuedBytes, "max_queue_bytes": q.maxQueueBytes},
		}
	}

	q.queuedBytes += n
	return nil
}

func (q *Queue) releaseQuota(n int64) {
	if q.maxQueueBytes <= 0 || n == 0 {
		return
	}

	q.sizeMu.Lock()
	defer q.sizeMu.Unlock()

	q.queuedBytes -= n
	if q.queuedBytes < 0 {
		q.queuedBytes = 0
	}
}
