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
	"encoding/binary"

	bolt "go.etcd.io/bbolt"
)

var queueIDBucket = []byte("queue_ids")

// scheduleStore is a bbolt-backed index from the 64-bit queue id stamped on
// a message at Start to the on-disk message id (the .header/.body/.meta
// file prefix), kept alongside the per-message .meta files so a queue id
// seen in a Received header or a client-facing "250 Message queued with id"
// reply can be resolved back to its files without scanning the directory.
// A nil *scheduleStore (schedule.db failed to open) degrades every method
// to a no-op rather than a panic.
type scheduleStore struct {
	db *bolt.DB
}

func openScheduleStore(path string) (*scheduleStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(queueIDBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &scheduleStore{db: db}, nil
}

func queueIDKey(queueID uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, queueID)
	return key
}

func (s *scheduleStore) put(queueID uint64, msgID string) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueIDBucket).Put(queueIDKey(queueID), []byte(msgID))
	})
}

func (s *scheduleStore) delete(queueID uint64) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueIDBucket).Delete(queueIDKey(queueID))
	})
}

// lookup resolves a numeric queue id back to its on-disk message id.
func (s *scheduleStore) lookup(queueID uint64) (msgID string, ok bool) {
	if s == nil {
		return "", false
	}
	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(queueIDBucket).Get(queueIDKey(queueID))
		if v != nil {
			msgID = string(v)
		}
		return nil
	})
	return msgID, msgID != ""
}

func (s *scheduleStore) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
