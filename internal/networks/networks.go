package networks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dedata/checkpay/internal/models"
	"github.com/dedata/checkpay/pkg/logger"
)

const (
	initialBackoff  = 5 * time.Second
	maxBackoff      = 5 * time.Minute
	refreshInterval = time.Hour
)

// Fetcher loads the network document from the payment service.
type Fetcher interface {
	GetNetworks(ctx context.Context) (json.RawMessage, error)
}

// Service keeps the payment networks accepted by the X402 service in memory.
type Service struct {
	logger  *logger.Logger
	fetcher Fetcher

	// In-memory cache
	doc        json.RawMessage
	updatedAt  int64
	cacheMutex sync.RWMutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	backoff  time.Duration
	interval time.Duration
}

var _ models.NetworkProvider = (*Service)(nil)

func NewService(fetcher Fetcher, logger *logger.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		logger:   logger,
		fetcher:  fetcher,
		ctx:      ctx,
		cancel:   cancel,
		backoff:  initialBackoff,
		interval: refreshInterval,
	}
}

// Refresh fetches the network list and replaces the cache.
func (s *Service) Refresh(ctx context.Context) error {
	doc, err := s.fetcher.GetNetworks(ctx)
	if err != nil {
		return err
	}
	s.cacheMutex.Lock()
	s.doc = doc
	s.updatedAt = time.Now().Unix()
	s.cacheMutex.Unlock()
	return nil
}

func (s *Service) Networks() json.RawMessage {
	s.cacheMutex.RLock()
	defer s.cacheMutex.RUnlock()
	return s.doc
}

func (s *Service) UpdatedAt() int64 {
	s.cacheMutex.RLock()
	defer s.cacheMutex.RUnlock()
	return s.updatedAt
}

// StartPeriodicUpdate loads the list in the background, retrying with exponential backoff until
// the first success, then refreshes it every hour.
func (s *Service) StartPeriodicUpdate() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		backoff := s.backoff
		for {
			if err := s.Refresh(s.ctx); err != nil {
				s.logger.Error("Failed to fetch payment networks, retrying", "error", err, "retry_in", backoff)
				select {
				case <-time.After(backoff):
					backoff *= 2
					if backoff > maxBackoff {
						backoff = maxBackoff
					}
					continue
				case <-s.ctx.Done():
					return
				}
			}
			s.logger.Info("Payment networks loaded")
			break
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Refresh(s.ctx); err != nil {
					s.logger.Error("Failed to refresh payment networks", "error", err)
				}
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Network service stopped")
}
