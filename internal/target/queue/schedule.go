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
	"sort"
	"time"
)

// NotifyFlag is the RFC 3461 NOTIFY parameter, one bit per DSN event a
// recipient wants a report for.
type NotifyFlag uint8

const (
	NotifyNever   NotifyFlag = 0
	NotifySuccess NotifyFlag = 1 << 0
	NotifyFailure NotifyFlag = 1 << 1
	NotifyDelay   NotifyFlag = 1 << 2
)

// DefaultNotify is applied to a recipient whose RCPT TO carried no NOTIFY
// parameter: report failures and unusual delay, stay quiet on success.
const DefaultNotify = NotifyFailure | NotifyDelay

// DeliveryBy is the RFC 2852 BY= parameter on a recipient: a deadline
// relative to submission time, and whether missing it should bounce the
// message (mode 'R') or merely trigger an early delay notification (mode
// 'N'). Mode 0 means the parameter was not given.
type DeliveryBy struct {
	Seconds int64
	Mode    byte
}

// RecipientSchedule is the per-recipient timing state the DSN-emitting
// retry loop (Queue.tryDelivery) consults: when to send a delay
// notification and when to give up and bounce.
type RecipientSchedule struct {
	Notify     NotifyFlag
	NextNotify time.Time
	Expire     time.Time
}

// ComputeSchedule derives a recipient's notify/expire times from the
// server's own defaults and whatever BY= deadline the client requested.
//
// Three cases:
//  1. No BY= parameter: defaults apply unchanged.
//  2. Mode 'R' ("return"): a positive by.Seconds that lands before the
//     default expiry tightens it; the server's own maximum lifetime is a
//     ceiling a client cannot extend.
//  3. Mode 'N' ("notify"): a positive by.Seconds that lands before the
//     default next-notify time tightens it the same way.
//
// In both deadline modes, a negative by.Seconds (the sender requesting the
// fastest possible attempt rather than a hard deadline, per RFC 2852) or
// one that would land after the expiry is not treated as a real deadline:
// it clamps to whichever of next-notify/expire is earlier, the same
// fallback used when the requested time is simply missing.
func ComputeSchedule(now time.Time, notify NotifyFlag, by DeliveryBy, defaultNextNotify, defaultExpire time.Duration) RecipientSchedule {
	sched := RecipientSchedule{
		Notify:     notify,
		NextNotify: now.Add(defaultNextNotify),
		Expire:     now.Add(defaultExpire),
	}

	switch by.Mode {
	case 'R':
		requested := now.Add(time.Duration(by.Seconds) * time.Second)
		if by.Seconds > 0 && requested.Before(sched.Expire) {
			sched.Expire = requested
		} else if by.Seconds < 0 || requested.After(sched.Expire) {
			sched.NextNotify = clampBefore(sched.NextNotify, sched.Expire)
		}
	case 'N':
		requested := now.Add(time.Duration(by.Seconds) * time.Second)
		if by.Seconds > 0 && requested.Before(sched.NextNotify) {
			sched.NextNotify = requested
		} else if by.Seconds < 0 || requested.After(sched.Expire) {
			sched.NextNotify = clampBefore(sched.NextNotify, sched.Expire)
		}
	}

	return sched
}

func clampBefore(t, ceiling time.Time) time.Time {
	if t.After(ceiling) {
		return ceiling
	}
	return t
}

// SortRecipients orders rcpts for deterministic persistence and DSN
// generation: two deliveries of the same message must always record
// recipients in the same order, regardless of the order RCPT TO arrived
// in, so a replayed queue file diffs cleanly against its predecessor.
func SortRecipients(rcpts []string) {
	sort.SliceStable(rcpts, func(i, j int) bool { return rcpts[i] < rcpts[j] })
}
