package provider

import "context"

// StubProvider replays a scripted sequence of responses (or errors) and
// records what it was asked. It drives the orchestrator tests.
type StubProvider struct {
	Responses []Response
	Errors    []error // consumed before Responses when non-nil at the head

	Requests [][]Message // every message slice passed to Chat
}

func NewStubProvider(responses ...Response) *StubProvider {
	return &StubProvider{Responses: responses}
}

func (m *StubProvider) Name() string {
	return "stub"
}

func (m *StubProvider) Chat(ctx context.Context, messages []Message, tools []ToolSchema) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snapshot := make([]Message, len(messages))
	copy(snapshot, messages)
	m.Requests = append(m.Requests, snapshot)

	if len(m.Errors) > 0 {
		err := m.Errors[0]
		m.Errors = m.Errors[1:]
		if err != nil {
			return nil, err
		}
	}

	if len(m.Responses) == 0 {
		return &Response{Content: "Done."}, nil
	}

	resp := m.Responses[0]
	m.Responses = m.Responses[1:]
	return &resp, nil
}
