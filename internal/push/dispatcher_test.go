package push

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/tripbell/tripbell/internal/registry"
)

type fakeResolver struct {
	regs []registry.Registration
	err  error

	gotUserIDs []string
}

func (f *fakeResolver) ListForUsers(_ context.Context, userIDs []string) ([]registry.Registration, error) {
	f.gotUserIDs = userIDs
	if f.err != nil {
		return nil, f.err
	}
	var out []registry.Registration
	want := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		want[id] = true
	}
	for _, reg := range f.regs {
		if want[reg.UserID] {
			out = append(out, reg)
		}
	}
	return out, nil
}

type fakeTransport struct {
	provider string
	err      error
	outcome  func(Target) Outcome

	calls   int
	batches [][]Target
}

func (f *fakeTransport) Provider() string { return f.provider }

func (f *fakeTransport) Deliver(_ context.Context, targets []Target, _ Payload) ([]Outcome, error) {
	f.calls++
	f.batches = append(f.batches, targets)
	if f.err != nil {
		return nil, f.err
	}
	outcomes := make([]Outcome, 0, len(targets))
	for _, target := range targets {
		if f.outcome != nil {
			outcomes = append(outcomes, f.outcome(target))
			continue
		}
		outcomes = append(outcomes, Outcome{Raw: target.Raw, Delivered: true})
	}
	return outcomes, nil
}

func reg(userID string, addr registry.Address) registry.Registration {
	raw, _ := addr.Encode()
	return registry.Registration{UserID: userID, Address: addr, RawAddress: raw}
}

func testPayload() Payload {
	return Payload{Title: "T", Body: "B", Data: map[string]string{"trip_id": "42"}}
}

func providerResult(t *testing.T, report *Report, provider string) ProviderResult {
	t.Helper()
	for _, p := range report.Providers {
		if p.Provider == provider {
			return p
		}
	}
	t.Fatalf("no result for provider %s in %+v", provider, report.Providers)
	return ProviderResult{}
}

func TestSendTwoProvidersBothSucceed(t *testing.T) {
	resolver := &fakeResolver{regs: []registry.Registration{
		reg("u1", registry.WebPushAddress("https://push.example.com/sub/1", "k", "a")),
		reg("u1", registry.OneSignalAddress("ext-1")),
	}}
	wp := &fakeTransport{provider: registry.ProviderWebPush}
	os := &fakeTransport{provider: registry.ProviderOneSignal}
	d := NewDispatcher(resolver, zap.NewNop(), wp, os)

	report, err := d.Send(context.Background(), []string{"u1"}, testPayload())
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if report.NoChannel() {
		t.Error("report claims no channel despite two registrations")
	}
	if len(report.Providers) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(report.Providers))
	}
	if got := report.Delivered(); got != 2 {
		t.Errorf("expected 2 delivered, got %d", got)
	}
	if !report.AnySucceeded() {
		t.Error("AnySucceeded should be true")
	}
	if wp.calls != 1 || os.calls != 1 {
		t.Errorf("each transport must be called exactly once, got %d and %d", wp.calls, os.calls)
	}
}

func TestSendNoRegistrationsIsNoChannel(t *testing.T) {
	d := NewDispatcher(&fakeResolver{}, zap.NewNop(), &fakeTransport{provider: registry.ProviderWebPush})

	report, err := d.Send(context.Background(), []string{"u1"}, testPayload())
	if err != nil {
		t.Fatalf("Send must not fail for users without devices: %v", err)
	}

	if !report.NoChannel() {
		t.Error("expected NoChannel")
	}
	if len(report.Providers) != 0 {
		t.Errorf("expected 0 partitions, got %d", len(report.Providers))
	}
	if report.AnySucceeded() {
		t.Error("nothing was delivered")
	}
}

func TestSendUserWithoutDevicesDoesNotBlockOthers(t *testing.T) {
	resolver := &fakeResolver{regs: []registry.Registration{
		reg("u1", registry.WebPushAddress("https://push.example.com/sub/1", "k", "a")),
	}}
	wp := &fakeTransport{provider: registry.ProviderWebPush}
	d := NewDispatcher(resolver, zap.NewNop(), wp)

	report, err := d.Send(context.Background(), []string{"u1", "u-no-devices"}, testPayload())
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if report.NoChannel() {
		t.Error("u1 has a device; the batch is not channel-less")
	}
	if got := providerResult(t, report, registry.ProviderWebPush); got.Delivered != 1 {
		t.Errorf("expected delivery to u1's device, got %+v", got)
	}
}

func TestSendProviderFailureIsIsolated(t *testing.T) {
	resolver := &fakeResolver{regs: []registry.Registration{
		reg("u1", registry.WebPushAddress("https://push.example.com/sub/1", "k", "a")),
		reg("u1", registry.OneSignalAddress("ext-1")),
	}}
	wp := &fakeTransport{provider: registry.ProviderWebPush}
	os := &fakeTransport{provider: registry.ProviderOneSignal, err: errors.New("aggregator down")}
	d := NewDispatcher(resolver, zap.NewNop(), wp, os)

	report, err := d.Send(context.Background(), []string{"u1"}, testPayload())
	if err != nil {
		t.Fatalf("partial provider failure must not fail Send: %v", err)
	}

	wpResult := providerResult(t, report, registry.ProviderWebPush)
	if wpResult.Delivered != 1 || wpResult.Err() != nil {
		t.Errorf("webpush partition should have succeeded: %+v", wpResult)
	}

	osResult := providerResult(t, report, registry.ProviderOneSignal)
	if osResult.Err() == nil {
		t.Error("onesignal partition should carry its error")
	}
	if osResult.Attempted != 1 {
		t.Errorf("failed partition still counts attempts, got %d", osResult.Attempted)
	}
	if !report.AnySucceeded() {
		t.Error("one successful provider makes the send a success")
	}
}

func TestSendPanickingTransportIsContained(t *testing.T) {
	resolver := &fakeResolver{regs: []registry.Registration{
		reg("u1", registry.WebPushAddress("https://push.example.com/sub/1", "k", "a")),
		reg("u1", registry.OneSignalAddress("ext-1")),
	}}
	wp := &fakeTransport{provider: registry.ProviderWebPush}
	boom := &panickingTransport{provider: registry.ProviderOneSignal}
	d := NewDispatcher(resolver, zap.NewNop(), wp, boom)

	report, err := d.Send(context.Background(), []string{"u1"}, testPayload())
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got := providerResult(t, report, registry.ProviderWebPush); got.Delivered != 1 {
		t.Errorf("healthy partition affected by panicking one: %+v", got)
	}
	if got := providerResult(t, report, registry.ProviderOneSignal); got.Err() == nil {
		t.Error("panicking partition should report an error")
	}
}

type panickingTransport struct{ provider string }

func (p *panickingTransport) Provider() string { return p.provider }
func (p *panickingTransport) Deliver(context.Context, []Target, Payload) ([]Outcome, error) {
	panic("adapter bug")
}

func TestSendMissingTransportIsNotConfigured(t *testing.T) {
	resolver := &fakeResolver{regs: []registry.Registration{
		reg("u1", registry.SNSAddress("arn:aws:sns:us-east-1:1:endpoint/APNS/app/x")),
		reg("u1", registry.WebPushAddress("https://push.example.com/sub/1", "k", "a")),
	}}
	wp := &fakeTransport{provider: registry.ProviderWebPush}
	d := NewDispatcher(resolver, zap.NewNop(), wp) // no sns transport wired

	report, err := d.Send(context.Background(), []string{"u1"}, testPayload())
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	snsResult := providerResult(t, report, registry.ProviderSNS)
	if !snsResult.NotConfigured() {
		t.Errorf("expected not-configured partition, got %+v", snsResult)
	}
	if got := providerResult(t, report, registry.ProviderWebPush); got.Delivered != 1 {
		t.Errorf("configured partition must still proceed: %+v", got)
	}
}

func TestSendUnknownProviderIsSkippedNotDropped(t *testing.T) {
	resolver := &fakeResolver{regs: []registry.Registration{
		{UserID: "u1", Address: registry.DecodeAddress("legacy-blob"), RawAddress: "legacy-blob"},
		reg("u1", registry.WebPushAddress("https://push.example.com/sub/1", "k", "a")),
	}}
	wp := &fakeTransport{provider: registry.ProviderWebPush}
	d := NewDispatcher(resolver, zap.NewNop(), wp)

	report, err := d.Send(context.Background(), []string{"u1"}, testPayload())
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	unknown := providerResult(t, report, registry.ProviderUnknown)
	if !unknown.Skipped {
		t.Errorf("unknown partition should be reported as skipped: %+v", unknown)
	}
	if wp.calls != 1 {
		t.Error("webpush partition should still dispatch")
	}
}

func TestSendBatchesPerProvider(t *testing.T) {
	resolver := &fakeResolver{regs: []registry.Registration{
		reg("u1", registry.WebPushAddress("https://push.example.com/sub/1", "k", "a")),
		reg("u2", registry.WebPushAddress("https://push.example.com/sub/2", "k", "a")),
		reg("u3", registry.WebPushAddress("https://push.example.com/sub/3", "k", "a")),
	}}
	wp := &fakeTransport{provider: registry.ProviderWebPush}
	d := NewDispatcher(resolver, zap.NewNop(), wp)

	if _, err := d.Send(context.Background(), []string{"u1", "u2", "u3", "u1"}, testPayload()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if wp.calls != 1 {
		t.Fatalf("expected one batched call, got %d", wp.calls)
	}
	if len(wp.batches[0]) != 3 {
		t.Errorf("expected batch of 3 addresses, got %d", len(wp.batches[0]))
	}
	if len(resolver.gotUserIDs) != 3 {
		t.Errorf("duplicate user ids not deduplicated: %v", resolver.gotUserIDs)
	}
}

func TestSendCollectsStaleAddresses(t *testing.T) {
	webpushReg := reg("u1", registry.WebPushAddress("https://push.example.com/sub/dead", "k", "a"))
	resolver := &fakeResolver{regs: []registry.Registration{webpushReg}}
	wp := &fakeTransport{
		provider: registry.ProviderWebPush,
		outcome: func(target Target) Outcome {
			return Outcome{Raw: target.Raw, Permanent: true, Reason: "subscription gone (status 410)"}
		},
	}
	d := NewDispatcher(resolver, zap.NewNop(), wp)

	report, err := d.Send(context.Background(), []string{"u1"}, testPayload())
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if len(report.StaleAddresses) != 1 || report.StaleAddresses[0] != webpushReg.RawAddress {
		t.Errorf("stale address not surfaced: %v", report.StaleAddresses)
	}
	if report.AnySucceeded() {
		t.Error("nothing was delivered")
	}
}

func TestSendInvalidPayload(t *testing.T) {
	d := NewDispatcher(&fakeResolver{}, zap.NewNop())

	tests := []struct {
		name    string
		payload Payload
	}{
		{"missing_title", Payload{Body: "B"}},
		{"missing_body", Payload{Title: "T"}},
		{"empty", Payload{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.Send(context.Background(), []string{"u1"}, tt.payload); err == nil {
				t.Error("Send should reject the payload")
			}
		})
	}
}

func TestSendResolverError(t *testing.T) {
	d := NewDispatcher(&fakeResolver{err: errors.New("db down")}, zap.NewNop())

	if _, err := d.Send(context.Background(), []string{"u1"}, testPayload()); err == nil {
		t.Error("registry failure must surface as an error")
	}
}
