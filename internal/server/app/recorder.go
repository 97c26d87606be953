package app

import (
	"maestro/internal/async"
	"maestro/internal/workflow"
)

// startRecorder projects bus events into Prometheus. It runs until the
// subscription closes; nothing here may block, the subscription buffer
// absorbs bursts and drops under sustained overload.
func (c *Coordinator) startRecorder() {
	c.recorder = c.bus.SubscribeAll()
	async.Go(c.logger, "metrics-recorder", func() {
		for ev := range c.recorder.Events {
			c.record(ev)
		}
	})
}

func (c *Coordinator) record(ev workflow.Event) {
	m := c.metrics
	m.EventsPublished.Inc()

	switch ev.Type {
	case workflow.EventDropped:
		m.EventsDropped.Add(float64(ev.Dropped))
	case workflow.EventStageCompleted:
		m.StagesTotal.WithLabelValues("completed").Inc()
		if ev.Metrics != nil {
			m.LLMTokens.WithLabelValues("prompt").Add(float64(ev.Metrics.PromptTokens))
			m.LLMTokens.WithLabelValues("completion").Add(float64(ev.Metrics.CompletionTokens))
		}
	case workflow.EventStageFailed:
		m.StagesTotal.WithLabelValues("failed").Inc()
	case workflow.EventStageRetrying:
		m.StagesTotal.WithLabelValues("retrying").Inc()
	case workflow.EventHITLRequested:
		m.HITLRequests.WithLabelValues("requested").Inc()
	case workflow.EventHITLResolved:
		m.HITLRequests.WithLabelValues("resolved").Inc()
	case workflow.EventHITLCancelled:
		m.HITLRequests.WithLabelValues("cancelled").Inc()
	case workflow.EventHITLExpired:
		m.HITLRequests.WithLabelValues("expired").Inc()
	case workflow.EventWorkflowCompleted:
		m.WorkflowsTotal.WithLabelValues("completed").Inc()
		c.syncGauges()
	case workflow.EventWorkflowFailed:
		m.WorkflowsTotal.WithLabelValues("failed").Inc()
		c.syncGauges()
	case workflow.EventWorkflowCancelled:
		m.WorkflowsTotal.WithLabelValues("cancelled").Inc()
		c.syncGauges()
	case workflow.EventWorkflowCreated, workflow.EventWorkflowQueued, workflow.EventWorkflowStarted:
		c.syncGauges()
	}
}

func (c *Coordinator) syncGauges() {
	c.metrics.ActiveWorkflows.Set(float64(c.engine.ActiveCount()))
	c.metrics.QueueDepth.Set(float64(c.engine.QueueDepth()))
}
