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
	"context"
	"strconv"

	"github.com/hibiken/asynq"
	redis "github.com/redis/go-redis/v9"

	"github.com/courierd/courier/framework/log"
)

const wakeTaskType = "queue:wake"
const wakePubSubChannel = "courier:queue:wake"

// wakeChannel is a best-effort side channel a horizontally-scaled delivery
// worker pool can use to notice a newly queued message sooner than its own
// poll interval, without this process's in-memory TimeWheel being the only
// place that knows about it. It is never required for correctness: the
// queue still delivers purely off its own wheel if nothing is listening.
//
// Two independent signals are sent for the same event because the pack's
// two message-queue libraries solve different halves of the problem:
// asynq gives an at-least-once task a worker pool can claim and ack,
// go-redis's pub/sub gives every currently-listening worker an immediate,
// fire-and-forget nudge to re-poll rather than waiting for the next tick.
type wakeChannel struct {
	asynqClient *asynq.Client
	redisClient *redis.Client
	log         log.Logger
}

// newWakeChannel returns nil if redisAddr is empty: the feature is opt-in,
// since most deployments run a single queue process and have no use for it.
func newWakeChannel(redisAddr string, lg log.Logger) *wakeChannel {
	if redisAddr == "" {
		return nil
	}
	return &wakeChannel{
		asynqClient: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr}),
		redisClient: redis.NewClient(&redis.Options{Addr: redisAddr}),
		log:         lg,
	}
}

func (w *wakeChannel) notify(queueID uint64) {
	if w == nil {
		return
	}
	id := strconv.FormatUint(queueID, 16)

	task := asynq.NewTask(wakeTaskType, []byte(id))
	if _, err := w.asynqClient.Enqueue(task, asynq.Queue("courier-wake")); err != nil {
		w.log.Debugf("wake: asynq enqueue failed, continuing: %v", err)
	}

	if err := w.redisClient.Publish(context.Background(), wakePubSubChannel, id).Err(); err != nil {
		w.log.Debugf("wake: redis publish failed, continuing: %v", err)
	}
}

func (w *wakeChannel) Close() error {
	if w == nil {
		return nil
	}
	err := w.asynqClient.Close()
	if cerr := w.redisClient.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
