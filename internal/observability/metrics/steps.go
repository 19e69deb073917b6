package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type stepKey struct {
	nodeType string
	outcome  string
}

type stepCollector struct {
	mu       sync.Mutex
	executed map[stepKey]uint64
	claims   uint64
	losses   uint64
	duration map[string]*histogram
}

var stepMetrics = &stepCollector{
	executed: make(map[stepKey]uint64),
	duration: make(map[string]*histogram),
}

// ObserveStepExecution records the outcome and duration of one step execution attempt.
func ObserveStepExecution(nodeType, outcome string, duration time.Duration) {
	stepMetrics.mu.Lock()
	defer stepMetrics.mu.Unlock()

	stepMetrics.executed[stepKey{nodeType: nodeType, outcome: outcome}]++
	hist := stepMetrics.duration[nodeType]
	if hist == nil {
		hist = newHistogram()
		stepMetrics.duration[nodeType] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveClaim records the result of a claim attempt. Losing a claim race is
// expected under contention; the counter exists to spot pathological ratios.
func ObserveClaim(won bool) {
	stepMetrics.mu.Lock()
	defer stepMetrics.mu.Unlock()
	stepMetrics.claims++
	if !won {
		stepMetrics.losses++
	}
}

func (c *stepCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type executedMetric struct {
		stepKey
		value uint64
	}
	executed := make([]executedMetric, 0, len(c.executed))
	for key, value := range c.executed {
		executed = append(executed, executedMetric{stepKey: key, value: value})
	}
	sort.Slice(executed, func(i, j int) bool {
		if executed[i].nodeType == executed[j].nodeType {
			return executed[i].outcome < executed[j].outcome
		}
		return executed[i].nodeType < executed[j].nodeType
	})

	nodeTypes := make([]string, 0, len(c.duration))
	for nodeType := range c.duration {
		nodeTypes = append(nodeTypes, nodeType)
	}
	sort.Strings(nodeTypes)

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP intentflow_steps_executed_total Total number of step execution attempts by outcome.\n")
	builder.WriteString("# TYPE intentflow_steps_executed_total counter\n")
	for _, metric := range executed {
		builder.WriteString(fmt.Sprintf("intentflow_steps_executed_total{node_type=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.nodeType), escape(metric.outcome), metric.value))
	}

	builder.WriteString("# HELP intentflow_step_claims_total Total number of step claim attempts.\n")
	builder.WriteString("# TYPE intentflow_step_claims_total counter\n")
	builder.WriteString(fmt.Sprintf("intentflow_step_claims_total %d\n", c.claims))
	builder.WriteString("# HELP intentflow_step_claim_losses_total Claim attempts lost to a concurrent worker.\n")
	builder.WriteString("# TYPE intentflow_step_claim_losses_total counter\n")
	builder.WriteString(fmt.Sprintf("intentflow_step_claim_losses_total %d\n", c.losses))

	builder.WriteString("# HELP intentflow_step_duration_seconds Step execution duration in seconds.\n")
	builder.WriteString("# TYPE intentflow_step_duration_seconds histogram\n")
	for _, nodeType := range nodeTypes {
		hist := c.duration[nodeType]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("intentflow_step_duration_seconds_bucket{node_type=\"%s\",le=\"%s\"} %d\n",
				escape(nodeType), formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("intentflow_step_duration_seconds_bucket{node_type=\"%s\",le=\"+Inf\"} %d\n",
			escape(nodeType), hist.count))
		builder.WriteString(fmt.Sprintf("intentflow_step_duration_seconds_sum{node_type=\"%s\"} %s\n",
			escape(nodeType), formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("intentflow_step_duration_seconds_count{node_type=\"%s\"} %d\n",
			escape(nodeType), hist.count))
	}

	return builder.String()
}
