package metrics

type nopCounter struct{}

func (nopCounter) Inc()        {}
func (nopCounter) Add(float64) {}

type nopGauge struct{}

func (nopGauge) Set(float64) {}
func (nopGauge) Inc()        {}
func (nopGauge) Dec()        {}
func (nopGauge) Add(float64) {}

type nopHistogram struct{}

func (nopHistogram) Observe(float64) {}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

func NopCounter() Counter     { return nopCounter{} }
func NopGauge() Gauge         { return nopGauge{} }
func NopHistogram() Histogram { return nopHistogram{} }
func NopTimer() Timer         { return nopTimer{} }
