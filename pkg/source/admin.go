// Copyright 2024 The Vesselwatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package source

import (
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Info describes the consumed topic.
type Info struct {
	Topic      string
	Partitions int
	// Backlog is the sum of retained offsets across partitions, the upper
	// bound of what a from-beginning consumer would read.
	Backlog int64
}

// TopicInfo reports partition count and total backlog for the topic.
func TopicInfo(opts Options) (*Info, error) {
	cfg, err := opts.saramaConfig()
	if err != nil {
		return nil, err
	}
	client, err := sarama.NewClient(opts.Brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to brokers: %w", err)
	}
	defer client.Close()

	partitions, err := client.Partitions(opts.Topic)
	if err != nil {
		return nil, fmt.Errorf("list partitions of %q: %w", opts.Topic, err)
	}
	info := &Info{Topic: opts.Topic, Partitions: len(partitions)}
	for _, p := range partitions {
		newest, err := client.GetOffset(opts.Topic, p, sarama.OffsetNewest)
		if err != nil {
			return nil, fmt.Errorf("newest offset of partition %d: %w", p, err)
		}
		oldest, err := client.GetOffset(opts.Topic, p, sarama.OffsetOldest)
		if err != nil {
			return nil, fmt.Errorf("oldest offset of partition %d: %w", p, err)
		}
		info.Backlog += newest - oldest
	}
	return info, nil
}

// ResetGroup deletes the consumer group so committed offsets are forgotten
// and consumption restarts from the configured initial offset. Brokers
// refuse to delete a group that still has members; in that case a fresh
// group id derived from the configured one is returned and must be used for
// the new session. The returned id is the group to consume with.
func ResetGroup(logger log.Logger, opts Options) (string, error) {
	cfg, err := opts.saramaConfig()
	if err != nil {
		return "", err
	}
	admin, err := sarama.NewClusterAdmin(opts.Brokers, cfg)
	if err != nil {
		return "", fmt.Errorf("connect cluster admin: %w", err)
	}
	defer admin.Close()
	return resetGroup(logger, admin, opts.GroupID)
}

// groupDeleter is the slice of sarama.ClusterAdmin a reset needs.
type groupDeleter interface {
	DeleteConsumerGroup(group string) error
}

func resetGroup(logger log.Logger, admin groupDeleter, group string) (string, error) {
	err := admin.DeleteConsumerGroup(group)
	switch {
	case err == nil, errors.Is(err, sarama.ErrGroupIDNotFound):
		level.Info(logger).Log("msg", "consumer group reset", "group", group)
		return group, nil
	case errors.Is(err, sarama.ErrNonEmptyGroup):
		fresh := fmt.Sprintf("%s-%d", group, time.Now().Unix())
		level.Warn(logger).Log("msg", "consumer group still has members, switching to a fresh group id",
			"group", group, "fresh_group", fresh)
		return fresh, nil
	default:
		return "", fmt.Errorf("delete consumer group %q: %w", group, err)
	}
}
