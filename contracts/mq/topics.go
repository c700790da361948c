package mq

// Stream topics. Each arrow of the pipeline is one topic.
const (
	TopicIntentWork    = "email.work.intent"
	TopicSandboxWork   = "email.work.sandbox"
	TopicIntentResult  = "email.result.intent"
	TopicSandboxResult = "email.result.sandbox"
	TopicVerdict       = "email.verdict"
)

// Consumer groups. A group owns one cursor per topic it reads.
const (
	GroupIntent     = "intent-stage"
	GroupSandbox    = "sandbox-stage"
	GroupAggregator = "aggregator"
	GroupAction     = "action-stage"
)

// WorkTopic returns the work topic that feeds the given stage.
func WorkTopic(stage string) string {
	switch stage {
	case StageIntent:
		return TopicIntentWork
	case StageSandbox:
		return TopicSandboxWork
	}
	return ""
}

// ResultTopic returns the topic a stage publishes its results on.
func ResultTopic(stage string) string {
	switch stage {
	case StageIntent:
		return TopicIntentResult
	case StageSandbox:
		return TopicSandboxResult
	}
	return ""
}

// DeadLetterTopic is where poison messages of topic end up.
func DeadLetterTopic(topic string) string {
	return topic + ".dlq"
}
