package imagegate

// Pricing holds per-image prices in dollars.
type Pricing struct {
	StandardCost float64 `yaml:"standard_cost"`
	BatchCost    float64 `yaml:"batch_cost"`
}

// DefaultPricing returns the published per-image prices, batch at half price.
func DefaultPricing() Pricing {
	return Pricing{StandardCost: 0.039, BatchCost: 0.0195}
}

// Savings compares standard and batch cost for a number of images.
type Savings struct {
	StandardCost float64
	BatchCost    float64
	Saved        float64
	Percent      float64
}

// EstimateSavings returns what batching n images would save.
func (p Pricing) EstimateSavings(n int) Savings {
	standard := float64(n) * p.StandardCost
	batch := float64(n) * p.BatchCost
	s := Savings{
		StandardCost: standard,
		BatchCost:    batch,
		Saved:        standard - batch,
	}
	if standard > 0 {
		s.Percent = s.Saved / standard * 100
	}
	return s
}

// ItemSavings returns the saving of one batched image over the standard price.
func (p Pricing) ItemSavings() float64 {
	return p.StandardCost - p.BatchCost
}

// BatchLimits describes what a caller may submit in a batch.
type BatchLimits struct {
	MinBatchSize  int
	MaxBatchSize  int
	TimeoutBudget int // seconds
	CostPerImage  float64
	SavingsPct    float64
}

// Limits returns the batch limits for the given config.
func (c Config) Limits() BatchLimits {
	return BatchLimits{
		MinBatchSize:  c.Batch.MinBatchSize,
		MaxBatchSize:  c.Batch.MaxBatchSize,
		TimeoutBudget: c.Batch.TimeoutBudgetSeconds,
		CostPerImage:  c.Pricing.BatchCost,
		SavingsPct:    c.Pricing.EstimateSavings(1).Percent,
	}
}
