package mq

import (
	"context"
	"errors"
	"time"

	mqcontracts "mailshield/contracts/mq"
)

// DeadLetter is what lands on <topic>.dlq when a message is given up on.
type DeadLetter struct {
	Topic        string            `json:"topic"`
	Group        string            `json:"group"`
	MessageID    string            `json:"message_id"`
	Key          string            `json:"key"`
	Body         []byte            `json:"body"`
	Headers      map[string]string `json:"headers,omitempty"`
	Reason       string            `json:"reason"`
	Redeliveries int               `json:"redeliveries"`
	FailedAt     time.Time         `json:"failed_at"`
}

// PublishToDLQ copies msg to the dead-letter topic of its topic.
func PublishToDLQ(ctx context.Context, pub Publisher, group string, msg *Message, reason string) error {
	return pub.Publish(ctx, mqcontracts.DeadLetterTopic(msg.Topic), msg.Key, DeadLetter{
		Topic:        msg.Topic,
		Group:        group,
		MessageID:    msg.ID,
		Key:          msg.Key,
		Body:         msg.Body,
		Headers:      msg.Headers,
		Reason:       reason,
		Redeliveries: msg.Redeliveries,
		FailedAt:     time.Now().UTC(),
	})
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering. The harness dead-letters
// the message instead of nacking it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
