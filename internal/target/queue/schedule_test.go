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
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	defaultNextNotify = 4 * time.Hour
	defaultExpire     = 5 * 24 * time.Hour
)

func TestComputeSchedule_NoDeadline(t *testing.T) {
	sched := ComputeSchedule(epoch, DefaultNotify, DeliveryBy{}, defaultNextNotify, defaultExpire)
	if !sched.NextNotify.Equal(epoch.Add(defaultNextNotify)) {
		t.Errorf("NextNotify = %v, want %v", sched.NextNotify, epoch.Add(defaultNextNotify))
	}
	if !sched.Expire.Equal(epoch.Add(defaultExpire)) {
		t.Errorf("Expire = %v, want %v", sched.Expire, epoch.Add(defaultExpire))
	}
}

func TestComputeSchedule_ReturnTightensExpiry(t *testing.T) {
	sched := ComputeSchedule(epoch, DefaultNotify, DeliveryBy{Seconds: 3600, Mode: 'R'}, defaultNextNotify, defaultExpire)
	want := epoch.Add(1 * time.Hour)
	if !sched.Expire.Equal(want) {
		t.Errorf("Expire = %v, want %v", sched.Expire, want)
	}
}

func TestComputeSchedule_ReturnBeyondExpiryIgnored(t *testing.T) {
	sched := ComputeSchedule(epoch, DefaultNotify, DeliveryBy{Seconds: int64(10 * 24 * time.Hour / time.Second), Mode: 'R'}, defaultNextNotify, defaultExpire)
	if !sched.Expire.Equal(epoch.Add(defaultExpire)) {
		t.Errorf("Expire = %v, want default %v", sched.Expire, epoch.Add(defaultExpire))
	}
}

func TestComputeSchedule_NegativeReturnClampsToNextNotify(t *testing.T) {
	sched := ComputeSchedule(epoch, DefaultNotify, DeliveryBy{Seconds: -1, Mode: 'R'}, defaultNextNotify, defaultExpire)
	if sched.NextNotify.After(sched.Expire) {
		t.Errorf("NextNotify %v must not be after Expire %v", sched.NextNotify, sched.Expire)
	}
	if !sched.NextNotify.Equal(epoch.Add(defaultNextNotify)) {
		t.Errorf("NextNotify = %v, want default %v", sched.NextNotify, epoch.Add(defaultNextNotify))
	}
}

func TestComputeSchedule_NotifyTightensNextNotify(t *testing.T) {
	sched := ComputeSchedule(epoch, DefaultNotify, DeliveryBy{Seconds: 1800, Mode: 'N'}, defaultNextNotify, defaultExpire)
	want := epoch.Add(30 * time.Minute)
	if !sched.NextNotify.Equal(want) {
		t.Errorf("NextNotify = %v, want %v", sched.NextNotify, want)
	}
}

func TestSortRecipients_Stable(t *testing.T) {
	rcpts := []string{"zed@example.com", "alice@example.com", "bob@example.com"}
	SortRecipients(rcpts)
	want := []string{"alice@example.com", "bob@example.com", "zed@example.com"}
	for i := range want {
		if rcpts[i] != want[i] {
			t.Errorf("rcpts[%d] = %q, want %q", i, rcpts[i], want[i])
		}
	}
}
