package push

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tripbell/tripbell/internal/metrics"
	"github.com/tripbell/tripbell/internal/registry"
)

// Resolver is the slice of the device registry the dispatcher needs.
type Resolver interface {
	ListForUsers(ctx context.Context, userIDs []string) ([]registry.Registration, error)
}

// Dispatcher fans one notification out to every registered device of the
// target users, one batched transport call per provider partition.
type Dispatcher struct {
	resolver   Resolver
	transports map[string]Transport
	logger     *zap.Logger
}

func NewDispatcher(resolver Resolver, logger *zap.Logger, transports ...Transport) *Dispatcher {
	byProvider := make(map[string]Transport, len(transports))
	for _, t := range transports {
		byProvider[t.Provider()] = t
	}
	return &Dispatcher{
		resolver:   resolver,
		transports: byProvider,
		logger:     logger,
	}
}

// Send resolves registrations for the given users, partitions them by
// provider, and invokes each provider's transport once with its full batch.
// Partitions run concurrently and fail independently; the only hard errors
// are an invalid payload or a failed registry read. Zero registrations is a
// normal outcome reported via Report.NoChannel.
func (d *Dispatcher) Send(ctx context.Context, userIDs []string, payload Payload) (*Report, error) {
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	regs, err := d.resolver.ListForUsers(ctx, dedupe(userIDs))
	if err != nil {
		return nil, fmt.Errorf("dispatch: resolve registrations: %w", err)
	}

	report := &Report{registrations: len(regs)}
	if len(regs) == 0 {
		d.logger.Info("no push channel for any target user",
			zap.Int("users", len(userIDs)),
		)
		return report, nil
	}

	partitions := partition(regs)

	// Stable partition order keeps reports and logs readable.
	providers := make([]string, 0, len(partitions))
	for provider := range partitions {
		providers = append(providers, provider)
	}
	sort.Strings(providers)

	results := make([]ProviderResult, len(providers))
	stale := make([][]string, len(providers))

	var wg sync.WaitGroup
	for i, provider := range providers {
		targets := partitions[provider]

		if provider == registry.ProviderUnknown {
			// Not dispatchable, but reported so corrupt rows stay visible.
			results[i] = ProviderResult{Provider: provider, Skipped: true, Attempted: 0}
			d.logger.Warn("skipping registrations with unknown provider tag",
				zap.Int("count", len(targets)),
			)
			continue
		}

		transport, ok := d.transports[provider]
		if !ok {
			results[i] = ProviderResult{
				Provider: provider,
				Error:    ErrNotConfigured.Error(),
				err:      ErrNotConfigured,
			}
			continue
		}

		wg.Add(1)
		go func(i int, provider string, transport Transport, targets []Target) {
			defer wg.Done()
			results[i], stale[i] = d.deliverPartition(ctx, provider, transport, targets, payload)
		}(i, provider, transport, targets)
	}
	wg.Wait()

	for i := range results {
		report.Providers = append(report.Providers, results[i])
		report.StaleAddresses = append(report.StaleAddresses, stale[i]...)
	}

	d.logger.Info("push dispatch complete",
		zap.Int("registrations", len(regs)),
		zap.Int("providers", len(providers)),
		zap.Int("delivered", report.Delivered()),
		zap.Int("stale_addresses", len(report.StaleAddresses)),
	)

	return report, nil
}

// deliverPartition runs one transport call, containing panics so a broken
// adapter cannot take down the other partitions.
func (d *Dispatcher) deliverPartition(ctx context.Context, provider string, transport Transport, targets []Target, payload Payload) (result ProviderResult, stale []string) {
	result = ProviderResult{Provider: provider, Attempted: len(targets)}

	defer func() {
		if r := recover(); r != nil {
			result.err = fmt.Errorf("transport panicked: %v", r)
			result.Error = result.err.Error()
			result.Delivered = 0
			d.logger.Error("push transport panicked",
				zap.String("provider", provider),
				zap.Any("panic", r),
			)
		}
		metrics.RecordPushDispatch(provider, result.Delivered, result.Attempted-result.Delivered)
	}()

	outcomes, err := transport.Deliver(ctx, targets, payload)
	if err != nil {
		result.err = err
		result.Error = err.Error()
		if result.NotConfigured() {
			d.logger.Warn("push provider not configured",
				zap.String("provider", provider),
				zap.Int("registrations", len(targets)),
			)
		} else {
			d.logger.Error("push delivery failed",
				zap.String("provider", provider),
				zap.Error(err),
			)
		}
		return result, nil
	}

	for _, o := range outcomes {
		if o.Delivered {
			result.Delivered++
			continue
		}
		if o.Permanent {
			stale = append(stale, o.Raw)
		}
		d.logger.Warn("push rejected",
			zap.String("provider", provider),
			zap.Bool("permanent", o.Permanent),
			zap.String("reason", o.Reason),
		)
	}

	return result, stale
}

func dedupe(userIDs []string) []string {
	seen := make(map[string]bool, len(userIDs))
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func partition(regs []registry.Registration) map[string][]Target {
	parts := make(map[string][]Target)
	for _, reg := range regs {
		parts[reg.Address.Provider] = append(parts[reg.Address.Provider], Target{
			Addr: reg.Address,
			Raw:  reg.RawAddress,
		})
	}
	return parts
}
