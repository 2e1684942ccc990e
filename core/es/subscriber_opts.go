package es

type (
	subscriberOpts struct {
		page      PageConfig
		metrics   Metrics
		onLive    LiveFunc
		onDropped DroppedFunc
	}

	SubscriberOption interface {
		applyToSubscriber(*subscriberOpts)
	}

	PageSizeOption  valueOption[int]
	OnLiveOption    valueOption[LiveFunc]
	OnDroppedOption valueOption[DroppedFunc]
)

// WithPageSize sets the catch-up read page size; the delivery buffer is
// sized page² (default 200).
func WithPageSize(pageSize int) PageSizeOption { return PageSizeOption{v: pageSize} }

// WithOnLive registers a callback fired when the subscription reaches the
// head of the feed.
func WithOnLive(fn LiveFunc) OnLiveOption { return OnLiveOption{v: fn} }

// WithOnDropped registers a callback fired when the subscription stops,
// with the reason code and optional cause.
func WithOnDropped(fn DroppedFunc) OnDroppedOption { return OnDroppedOption{v: fn} }

func (o PageSizeOption) applyToSubscriber(opts *subscriberOpts) {
	if o.v > 0 {
		opts.page = PageConfig{PageSize: o.v}
	}
}
func (o OnLiveOption) applyToSubscriber(opts *subscriberOpts)    { opts.onLive = o.v }
func (o OnDroppedOption) applyToSubscriber(opts *subscriberOpts) { opts.onDropped = o.v }
func (o MetricsOption) applyToSubscriber(opts *subscriberOpts)   { opts.metrics = o.v }

func newSubscriberOpts(opts ...SubscriberOption) subscriberOpts {
	options := subscriberOpts{
		page:    PageConfig{PageSize: defaultPageSize},
		metrics: NopMetrics(),
	}
	for _, opt := range opts {
		opt.applyToSubscriber(&options)
	}
	return options
}
