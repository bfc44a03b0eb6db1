package observability

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus/push"
)

// PushJob is the Pushgateway job name for sync runs.
const PushJob = "ems_aquifer_sync"

// Push replaces this job's metric group on the Pushgateway at gatewayURL with
// the current contents of m. The aquifer name is used as a grouping key so
// several aquifer jobs can share one gateway.
func Push(ctx context.Context, gatewayURL, aquifer string, m *Metrics) error {
	p := push.New(gatewayURL, PushJob).Gatherer(m.Registry)
	if aquifer != "" {
		p = p.Grouping("aquifer", aquifer)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
