package statusstore

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/paywatch/internal/domain/payment"
)

const envelopeVersion = 1

type envelope struct {
	Version   int              `json:"v"`
	TTLMillis int64            `json:"ttlMillis"`
	Snapshot  payment.Snapshot `json:"snapshot"`
}

func encode(snap payment.Snapshot, ttl time.Duration) ([]byte, error) {
	data, err := json.Marshal(envelope{
		Version:   envelopeVersion,
		TTLMillis: ttl.Milliseconds(),
		Snapshot:  snap,
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %s: %w", snap.SessionID, err)
	}
	return data, nil
}

func decode(data []byte) (payment.Snapshot, time.Duration, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return payment.Snapshot{}, 0, fmt.Errorf("decode snapshot: %w", err)
	}
	if env.Version != envelopeVersion {
		return payment.Snapshot{}, 0, fmt.Errorf("decode snapshot: unsupported envelope version %d", env.Version)
	}
	return env.Snapshot, time.Duration(env.TTLMillis) * time.Millisecond, nil
}

func expiresAt(snap payment.Snapshot, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return snap.CreatedAt.Add(ttl).UTC()
}
