package hedge

import (
	"context"
	"fmt"
	"sync"

	"carry-hedger/internal/domain"
)

var (
	usdc  = domain.Asset{Symbol: "USDC", Mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6}
	token = domain.Asset{Symbol: "SOL", Mint: "So11111111111111111111111111111111111111112", Decimals: 9}
)

type fakeSwapper struct {
	mu      sync.Mutex
	calls   []domain.SwapRequest
	active  int
	maxAct  int
	fn      func(req domain.SwapRequest, call int) (domain.SwapResult, error)
	release chan struct{}
	started chan uint64
}

func (s *fakeSwapper) Swap(ctx context.Context, req domain.SwapRequest) (domain.SwapResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	call := len(s.calls)
	s.active++
	if s.active > s.maxAct {
		s.maxAct = s.active
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if s.started != nil {
		s.started <- req.RawAmount
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return domain.SwapResult{}, ctx.Err()
		}
	}
	if s.fn != nil {
		return s.fn(req, call)
	}
	return domain.SwapResult{
		Signature: fmt.Sprintf("sig-%d", call),
		InputRaw:  req.RawAmount,
		OutputRaw: req.RawAmount / 2,
	}, nil
}

func (s *fakeSwapper) Calls() []domain.SwapRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SwapRequest, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *fakeSwapper) MaxActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxAct
}

type fakeVenue struct {
	mu      sync.Mutex
	spec    domain.MarketSpec
	specErr error
	places  []domain.PlaceRequest
	amends  []domain.AmendRequest
	cancels []string
	nextID  int

	onPlace func(req domain.PlaceRequest, order domain.Order) error
	onAmend func(req domain.AmendRequest, call int) (domain.Order, error)
}

func (v *fakeVenue) MarketSpec(context.Context, string) (domain.MarketSpec, error) {
	if v.specErr != nil {
		return domain.MarketSpec{}, v.specErr
	}
	return v.spec, nil
}

func (v *fakeVenue) Place(_ context.Context, req domain.PlaceRequest) (domain.Order, error) {
	v.mu.Lock()
	v.places = append(v.places, req)
	v.nextID++
	order := domain.Order{
		ID:        fmt.Sprintf("o-%d", v.nextID),
		Side:      req.Side,
		Price:     req.Price,
		Size:      req.Size,
		Remaining: req.Size,
	}
	hook := v.onPlace
	v.mu.Unlock()

	if hook != nil {
		if err := hook(req, order); err != nil {
			return domain.Order{}, err
		}
	}
	return order, nil
}

func (v *fakeVenue) Amend(_ context.Context, req domain.AmendRequest) (domain.Order, error) {
	v.mu.Lock()
	v.amends = append(v.amends, req)
	call := len(v.amends)
	hook := v.onAmend
	v.mu.Unlock()

	if hook != nil {
		return hook(req, call)
	}
	return domain.Order{ID: req.OrderID, Side: req.Side, Price: req.Price, Size: req.Size, Remaining: req.Size}, nil
}

func (v *fakeVenue) Cancel(_ context.Context, _ string, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancels = append(v.cancels, orderID)
	return nil
}

func (v *fakeVenue) Places() []domain.PlaceRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.PlaceRequest(nil), v.places...)
}

func (v *fakeVenue) Amends() []domain.AmendRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.AmendRequest(nil), v.amends...)
}

func (v *fakeVenue) Cancels() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.cancels...)
}

type fakeSub struct {
	mu           sync.Mutex
	unsubscribed int
	errCh        chan error
}

func newFakeSub() *fakeSub {
	return &fakeSub{errCh: make(chan error, 1)}
}

func (s *fakeSub) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed++
	return nil
}

func (s *fakeSub) Err() <-chan error { return s.errCh }

func (s *fakeSub) Unsubscribed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

type fakeFeed struct {
	mu       sync.Mutex
	initial  *domain.Quote
	onQuote  func(domain.Quote)
	onFill   func(domain.Fill)
	quoteSub *fakeSub
	fillSub  *fakeSub
}

func newFakeFeed(initial *domain.Quote) *fakeFeed {
	return &fakeFeed{initial: initial, quoteSub: newFakeSub(), fillSub: newFakeSub()}
}

func (f *fakeFeed) SubscribeQuotes(_ context.Context, _ string, onQuote func(domain.Quote)) (Subscription, error) {
	f.mu.Lock()
	f.onQuote = onQuote
	initial := f.initial
	f.mu.Unlock()
	if initial != nil {
		onQuote(*initial)
	}
	return f.quoteSub, nil
}

func (f *fakeFeed) SubscribeFills(_ context.Context, _ string, onFill func(domain.Fill)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFill = onFill
	return f.fillSub, nil
}

func (f *fakeFeed) EmitQuote(q domain.Quote) {
	f.mu.Lock()
	cb := f.onQuote
	f.mu.Unlock()
	if cb != nil {
		cb(q)
	}
}

func (f *fakeFeed) EmitFill(fill domain.Fill) {
	f.mu.Lock()
	cb := f.onFill
	f.mu.Unlock()
	if cb != nil {
		cb(fill)
	}
}

type recordedSwap struct {
	status string
	raw    uint64
}

type memRecorder struct {
	nopRecorder
	mu       sync.Mutex
	swaps    []recordedSwap
	orders   []string
	finished []Report
}

func (r *memRecorder) RecordSwap(_ context.Context, a SwapAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.swaps = append(r.swaps, recordedSwap{status: a.Status, raw: a.RawAmount})
}

func (r *memRecorder) RecordOrder(_ context.Context, _ string, action string, _ domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, action)
}

func (r *memRecorder) RecordSessionFinished(_ context.Context, report Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, report)
}

func (r *memRecorder) Swaps() []recordedSwap {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedSwap(nil), r.swaps...)
}

func (r *memRecorder) Orders() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.orders...)
}
