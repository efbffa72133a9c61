package storage

import (
	"context"
	"maps"
	"sync"
	"time"
)

// DefaultPollInterval is how often PollChanges lists a prefix.
const DefaultPollInterval = 2 * time.Second

// PollChanges turns any Backend into a ChangeFeed by listing prefix every
// interval and signalling when the set of keys or their ETags differ from the
// previous listing. The s3, aws and azure backends subscribe through it.
func PollChanges(backend Backend, prefix string, interval time.Duration) ChangeSubscription {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &pollSubscription{
		events: make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.run(ctx, backend, prefix, interval)
	return sub
}

type pollSubscription struct {
	events    chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (p *pollSubscription) Events() <-chan struct{} { return p.events }

// Close stops polling and closes the events channel.
func (p *pollSubscription) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.done
	})
	return nil
}

func (p *pollSubscription) run(ctx context.Context, backend Backend, prefix string, interval time.Duration) {
	defer close(p.done)
	defer close(p.events)
	last, _ := snapshot(ctx, backend, prefix)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		current, err := snapshot(ctx, backend, prefix)
		if err != nil {
			// Keep the previous baseline until a listing succeeds.
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if last != nil && maps.Equal(last, current) {
			continue
		}
		last = current
		select {
		case p.events <- struct{}{}:
		default:
		}
	}
}

func snapshot(ctx context.Context, backend Backend, prefix string) (map[string]string, error) {
	objects, err := ListAll(ctx, backend, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(objects))
	for _, obj := range objects {
		out[obj.Key] = obj.ETag
	}
	return out, nil
}
