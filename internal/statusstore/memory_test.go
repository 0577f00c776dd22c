package statusstore_test

import (
	"testing"

	"github.com/coachpo/paywatch/internal/statusstore"
	"github.com/coachpo/paywatch/internal/statusstore/kvtest"
)

func TestMemoryKVContract(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) statusstore.KV {
		kv := statusstore.NewMemoryKV()
		t.Cleanup(func() { _ = kv.Close() })
		return kv
	})
}
