package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"floorbot/internal/domain"
	"floorbot/internal/infra/tracer"
)

// ErrorPayload is the structured body of a failed tool call. The model reads
// it and can ask the shopper a clarifying question.
type ErrorPayload struct {
	Error string `json:"error"`
}

// Execute is the standard tool execution pipeline: parse params -> start trace -> run handler -> format result.
//
// The handler receives the parsed params and an active trace span. It should return:
//   - (*domain.ToolResult, nil): returned as-is (for results carrying Data)
//   - (any Go value, nil): the value is JSON-marshaled into a success ToolResult
//   - (nil, error): contained errors (bad arguments, unknown products) become
//     an {"error": ...} ToolResult; anything else is returned so the turn fails
func Execute[P any](
	ctx context.Context,
	spanName string,
	logger *slog.Logger,
	rawParams json.RawMessage,
	handler func(ctx context.Context, span trace.Span, params P) (any, error),
) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, spanName,
		trace.WithAttributes(tracer.StringAttr("tool.name", spanName)),
	)
	defer span.End()

	p, bad := ParseParams[P](rawParams)
	if bad != nil {
		tracer.RecordError(span, fmt.Errorf("%s", bad.Content))
		return bad, nil
	}

	result, err := handler(ctx, span, p)
	if err != nil {
		tracer.RecordError(span, err)
		if !isContained(err) {
			logger.Warn(spanName+" failed", "error", err)
			return nil, err
		}
		logger.Debug(spanName+" rejected", "error", err)
		return ErrResult("%s", containedMessage(err))
	}

	return formatResult(span, result)
}

// formatResult converts the handler's return value into a ToolResult.
func formatResult(span trace.Span, result any) (*domain.ToolResult, error) {
	switch v := result.(type) {
	case *domain.ToolResult:
		if v.IsError {
			tracer.RecordError(span, fmt.Errorf("%s", v.Content))
		} else {
			tracer.SetOK(span)
		}
		return v, nil
	default:
		res, err := JSONResult(result, nil)
		if err != nil {
			tracer.RecordError(span, err)
			return ErrResult("failed to format response: %v", err)
		}
		tracer.SetOK(span)
		return res, nil
	}
}

// ParseParams unmarshals rawParams into P.
// On failure it returns an error ToolResult suitable for returning directly.
func ParseParams[P any](rawParams json.RawMessage) (P, *domain.ToolResult) {
	var p P
	if len(rawParams) == 0 {
		rawParams = json.RawMessage("{}")
	}
	if err := json.Unmarshal(rawParams, &p); err != nil {
		if errors.Is(err, domain.ErrToolArgument) {
			res, _ := ErrResult("%s", containedMessage(err))
			return p, res
		}
		res, _ := ErrResult("invalid arguments: %v", err)
		return p, res
	}
	return p, nil
}

// ErrResult creates an {"error": ...} ToolResult. Use this for argument and
// lookup failures that should be returned to the model without being logged
// as warnings.
func ErrResult(format string, args ...any) (*domain.ToolResult, error) {
	msg := fmt.Sprintf(format, args...)
	data, _ := json.Marshal(ErrorPayload{Error: msg})
	return &domain.ToolResult{IsError: true, Content: string(data)}, nil
}

// JSONResult marshals v into a success ToolResult carrying data alongside
// the text content.
func JSONResult(v any, data any) (*domain.ToolResult, error) {
	content, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &domain.ToolResult{Content: string(content), Data: data}, nil
}
