package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/gpg/payproc/internal/kv"
)

func TestPublishOnNilPublisherIsNoOp(t *testing.T) {
	var p *Publisher
	assert.NotPanics(t, func() {
		p.Publish(context.Background(), "preorder.committed", kv.New())
	})
}

func TestPublishOnUnconfiguredPublisherIsNoOp(t *testing.T) {
	p := New(nil, zap.NewNop())
	dict := kv.New()
	dict.Insert("Amount", "1000")
	assert.NotPanics(t, func() {
		p.Publish(context.Background(), "preorder.committed", dict)
	})
}
