// Copyright 2024 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package notify publishes build status change notifications.
package notify

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"sync"

	"cloud.google.com/go/pubsub"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"

	"go.chromium.org/bbsched/appengine/model"
)

// Sink receives a notification on every build status transition.
type Sink interface {
	Enqueue(ctx context.Context, b *model.Build) error
}

// Notification is the message published for a build.
type Notification struct {
	BuildID      string   `json:"build_id"`
	Project      string   `json:"project"`
	Bucket       string   `json:"bucket"`
	Builder      string   `json:"builder"`
	Status       string   `json:"status"`
	Result       string   `json:"result,omitempty"`
	StatusLegacy string   `json:"status_legacy"`
	URL          string   `json:"url,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	// UpdateTime is in unix microseconds.
	UpdateTime int64 `json:"update_time"`
}

// NewNotification returns the notification for b.
func NewNotification(b *model.Build) *Notification {
	n := &Notification{
		BuildID:      strconv.FormatInt(b.ID, 10),
		Project:      b.Project,
		Bucket:       b.BucketID,
		Builder:      b.BuilderName(),
		Status:       b.Status.String(),
		StatusLegacy: b.LegacyStatus().String(),
		URL:          b.URL,
		Tags:         b.Tags,
		UpdateTime:   b.StatusChangedTime.UnixMicro(),
	}
	if b.IsEnded() {
		n.Result = b.Result.String()
	}
	return n
}

var topicNameRE = regexp.MustCompile(`^projects/(.*)/topics/(.*)$`)

// parseTopicName parses a full topic name into its project and id.
func parseTopicName(topic string) (string, string, error) {
	matches := topicNameRE.FindAllStringSubmatch(topic, -1)
	if matches == nil || len(matches[0]) != 3 {
		return "", "", errors.Reason("topic %q does not match %q", topic, topicNameRE).Err()
	}
	return matches[0][1], matches[0][2], nil
}

// PubSubSink publishes notifications to a Cloud Pub/Sub topic.
type PubSubSink struct {
	client    *pubsub.Client
	topicName string

	lock    sync.Mutex
	topic   *pubsub.Topic
	stopped bool
}

// NewPubSubSink returns a sink publishing to topic, a full
// "projects/<project>/topics/<id>" name.
func NewPubSubSink(client *pubsub.Client, topic string) (*PubSubSink, error) {
	if _, _, err := parseTopicName(topic); err != nil {
		return nil, err
	}
	return &PubSubSink{client: client, topicName: topic}, nil
}

// Enqueue publishes a notification about b and waits for the server to
// accept it. Publishing errors are tagged as transient.
func (s *PubSubSink) Enqueue(ctx context.Context, b *model.Build) error {
	topic, err := s.getTopic()
	if err != nil {
		return err
	}
	data, err := json.Marshal(NewNotification(b))
	if err != nil {
		return errors.Annotate(err, "cannot compose the pubsub msg").Err()
	}
	result := topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"project": b.Project,
			"bucket":  b.BucketID,
		},
	})
	_, err = result.Get(ctx)
	return errors.Annotate(err, "failed to publish the msg to %s", s.topicName).Tag(transient.Tag).Err()
}

// Stop flushes pending messages. The sink cannot be used afterwards.
func (s *PubSubSink) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.topic != nil {
		s.topic.Stop()
	}
	s.stopped = true
}

func (s *PubSubSink) getTopic() (*pubsub.Topic, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		return nil, errors.New("cannot publish; the sink has already stopped")
	}
	if s.topic == nil {
		proj, id, err := parseTopicName(s.topicName)
		if err != nil {
			return nil, err
		}
		s.topic = s.client.TopicInProject(id, proj)
	}
	return s.topic, nil
}

