package leader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// DefaultElectionPath is the etcd election prefix used when none is configured
const DefaultElectionPath = "/placement/leader"

const (
	sessionTTL    = 15 // seconds
	minBackoff    = time.Second
	maxBackoff    = 10 * time.Second
	rejoinBackoff = 3 * time.Second
)

// ElectionParams defines the parameters for creating a new election
type ElectionParams struct {
	fx.In

	Client *clientv3.Client
	Logger *zap.Logger
	Clock  clockwork.Clock `optional:"true"`
	Path   string          `optional:"true" name:"leaderElectionPath"`
}

// Callback is a function that is called when leadership status changes
type Callback func(isLeader bool)

// Election campaigns for the right to change table mappings in a catalog
// shared by several servers. Only the leader accepts create, reshard and drop.
type Election struct {
	mu           sync.RWMutex
	client       *clientv3.Client
	logger       *zap.Logger
	clock        clockwork.Clock
	electionPath string
	session      *concurrency.Session
	election     *concurrency.Election
	isLeader     bool
	leaderKey    string
	callback     Callback
	cancel       context.CancelFunc
	done         chan struct{}
	isStopped    bool
}

// NewElection creates a new leader election manager
func NewElection(params ElectionParams) *Election {
	clock := params.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	path := params.Path
	if path == "" {
		path = DefaultElectionPath
	}

	return &Election{
		client:       params.Client,
		logger:       params.Logger,
		clock:        clock,
		electionPath: path,
	}
}

// Start begins the leader election process
func (e *Election) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isStopped {
		return fmt.Errorf("election has been stopped")
	}
	if e.session != nil {
		return nil
	}

	session, err := concurrency.NewSession(e.client, concurrency.WithTTL(sessionTTL))
	if err != nil {
		return fmt.Errorf("failed to create etcd session: %w", err)
	}
	e.session = session
	e.election = concurrency.NewElection(session, e.electionPath)

	// the campaign outlives the start hook context
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	go e.campaignForLeadership(runCtx)

	e.logger.Info("Leader election started", zap.String("path", e.electionPath))
	return nil
}

// Stop resigns when leading and stops campaigning
func (e *Election) Stop() {
	e.mu.Lock()
	if e.isStopped {
		e.mu.Unlock()
		return
	}
	e.isStopped = true
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isLeader && e.election != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := e.election.Resign(ctx); err != nil {
			e.logger.Warn("Failed to resign leadership", zap.Error(err))
		}
	}

	if e.session != nil {
		if err := e.session.Close(); err != nil {
			e.logger.Warn("Failed to close etcd session", zap.Error(err))
		}
	}

	e.isLeader = false
	e.logger.Info("Leader election stopped")
}

func (e *Election) campaignForLeadership(ctx context.Context) {
	defer close(e.done)
	backoff := minBackoff

	for {
		e.logger.Debug("Campaigning for catalog leadership")

		// blocks until elected or ctx ends
		if err := e.election.Campaign(ctx, fmt.Sprintf("%x", int64(e.session.Lease()))); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("Failed to campaign for leadership", zap.Error(err))
			if !e.sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		leaderResp, err := e.election.Leader(ctx)
		if err != nil {
			e.logger.Warn("Failed to get leader key", zap.Error(err))
			if !e.sleep(ctx, minBackoff) {
				return
			}
			continue
		}

		e.setLeader(true, string(leaderResp.Kvs[0].Key))
		e.logger.Info("Became catalog leader")

		e.observe(ctx)

		e.setLeader(false, "")
		e.logger.Info("No longer catalog leader")

		// avoid rapid oscillation
		if !e.sleep(ctx, rejoinBackoff) {
			return
		}
	}
}

// observe returns once another candidate holds the election key
func (e *Election) observe(ctx context.Context) {
	e.mu.RLock()
	myKey := e.leaderKey
	e.mu.RUnlock()

	for resp := range e.election.Observe(ctx) {
		if current := string(resp.Kvs[0].Key); current != myKey {
			e.logger.Info("Leadership transferred to another server",
				zap.String("current_key", current),
				zap.String("my_key", myKey))
			return
		}
	}
	e.logger.Info("Leadership observer closed")
}

func (e *Election) setLeader(isLeader bool, key string) {
	e.mu.Lock()
	e.isLeader = isLeader
	e.leaderKey = key
	callback := e.callback
	e.mu.Unlock()

	if callback != nil {
		callback(isLeader)
	}
}

func (e *Election) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-e.clock.After(d):
		return true
	}
}

// IsLeader returns whether this server is the leader
func (e *Election) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// SetCallback sets the callback for leadership changes
func (e *Election) SetCallback(callback Callback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callback = callback
}
