package metrics

import "go.opentelemetry.io/otel/attribute"

func stageAttr(stage Stage) attribute.KeyValue {
	return attribute.String("stage", string(stage))
}

func queueAttr(name string) attribute.KeyValue {
	return attribute.String("queue", name)
}
