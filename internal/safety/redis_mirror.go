package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultChannel     = "toolgate:safety:changes"
	defaultStateKey    = "toolgate:safety:flags"
	mirrorWriteTimeout = 2 * time.Second
)

// storeFlagsScript writes each flag only if its stored stamp is older.
//
// KEYS[1] = hash key
// ARGV    = repeated (flag, value, stamp in unix microseconds)
var storeFlagsScript = redis.NewScript(`
for i = 1, #ARGV, 3 do
  local flag = ARGV[i]
  local at = tonumber(ARGV[i + 2])
  local cur = tonumber(redis.call('HGET', KEYS[1], flag .. ':at') or '-1')
  if at > cur then
    redis.call('HSET', KEYS[1], flag, ARGV[i + 1], flag .. ':at', ARGV[i + 2])
  end
end
return 1
`)

type mirrorMessage struct {
	Origin  string   `json:"origin"`
	Changes []Change `json:"changes"`
}

// MirrorConfig configures a RedisMirror.
type MirrorConfig struct {
	Channel  string
	StateKey string
}

// RedisMirror keeps the safety flags of every replica in step. Each flag is
// persisted as its own field of the StateKey hash together with the time it
// was set, and every local change is published on Channel. Replicas merge
// remote changes flag by flag, so toggles of different flags on different
// replicas never undo each other.
type RedisMirror struct {
	client   redis.UniversalClient
	ctrl     *Controller
	channel  string
	stateKey string
	originID string
	logger   *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisMirror creates a mirror. Call Start to begin syncing.
func NewRedisMirror(client redis.UniversalClient, ctrl *Controller, cfg MirrorConfig, logger *zap.Logger) *RedisMirror {
	if cfg.Channel == "" {
		cfg.Channel = defaultChannel
	}
	if cfg.StateKey == "" {
		cfg.StateKey = defaultStateKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMirror{
		client:   client,
		ctrl:     ctrl,
		channel:  cfg.Channel,
		stateKey: cfg.StateKey,
		originID: uuid.NewString(),
		logger:   logger,
	}
}

// Start loads the persisted cluster flags, subscribes to changes and begins
// publishing local toggles. A persisted flag replaces the locally configured
// one; flags the cluster has never stored are seeded from the local state.
func (m *RedisMirror) Start(ctx context.Context) error {
	fields, err := m.client.HGetAll(ctx, m.stateKey).Result()
	if err != nil {
		return fmt.Errorf("Start: %w", err)
	}

	persisted, missing := m.decodeFlags(fields)
	if len(persisted) > 0 && m.ctrl.applyRemote(persisted, true) != nil {
		m.logger.Info("loaded persisted safety flags", zap.Int("flags", len(persisted)))
	}
	if len(missing) > 0 {
		m.seed(ctx, missing)
	}

	pubsub := m.client.Subscribe(ctx, m.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("Start: subscribe: %w", err)
	}

	m.mu.Lock()
	m.pubsub = pubsub
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.ctrl.OnChange(func(_ State, changes []Change, origin Origin) {
		if origin != OriginLocal {
			return
		}
		m.publish(changes)
	})

	go m.receiveLoop(pubsub.Channel(), m.done)
	return nil
}

func (m *RedisMirror) decodeFlags(fields map[string]string) (persisted []Change, missing []Flag) {
	for _, f := range Flags {
		raw, ok := fields[string(f)]
		rawAt, okAt := fields[string(f)+":at"]
		if !ok || !okAt {
			missing = append(missing, f)
			continue
		}
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			m.logger.Warn("ignoring malformed persisted safety flag", zap.String("flag", string(f)), zap.Error(err))
			continue
		}
		micros, err := strconv.ParseInt(rawAt, 10, 64)
		if err != nil {
			m.logger.Warn("ignoring malformed persisted safety stamp", zap.String("flag", string(f)), zap.Error(err))
			continue
		}
		persisted = append(persisted, Change{Flag: f, Enabled: enabled, At: time.UnixMicro(micros)})
	}
	return persisted, missing
}

// seed stores flags the cluster does not know yet. HSETNX keeps a value a
// concurrently starting replica wrote first.
func (m *RedisMirror) seed(ctx context.Context, flags []Flag) {
	state := m.ctrl.Snapshot()
	stamps := m.ctrl.Stamps()
	_, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, f := range flags {
			pipe.HSetNX(ctx, m.stateKey, string(f), strconv.FormatBool(state.Get(f)))
			pipe.HSetNX(ctx, m.stateKey, string(f)+":at", strconv.FormatInt(stamps[f].UnixMicro(), 10))
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("failed to persist safety flags", zap.Error(err))
	}
}

func (m *RedisMirror) receiveLoop(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		var mm mirrorMessage
		if err := json.Unmarshal([]byte(msg.Payload), &mm); err != nil {
			m.logger.Warn("ignoring malformed safety message", zap.Error(err))
			continue
		}
		if mm.Origin == m.originID {
			continue
		}
		m.ctrl.applyRemote(mm.Changes, false)
	}
}

func (m *RedisMirror) publish(changes []Change) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorWriteTimeout)
	defer cancel()

	payload, err := json.Marshal(mirrorMessage{Origin: m.originID, Changes: changes})
	if err != nil {
		m.logger.Error("failed to encode safety message", zap.Error(err))
		return
	}

	args := make([]interface{}, 0, 3*len(changes))
	for _, ch := range changes {
		args = append(args, string(ch.Flag), strconv.FormatBool(ch.Enabled), strconv.FormatInt(ch.At.UnixMicro(), 10))
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		storeFlagsScript.Eval(ctx, pipe, []string{m.stateKey}, args...)
		pipe.Publish(ctx, m.channel, payload)
		return nil
	})
	if err != nil {
		// The local toggle has already taken effect.
		m.logger.Warn("failed to mirror safety flags", zap.Error(err))
	}
}

// Close stops the subscription.
func (m *RedisMirror) Close() error {
	m.mu.Lock()
	pubsub, done := m.pubsub, m.done
	m.pubsub = nil
	m.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
