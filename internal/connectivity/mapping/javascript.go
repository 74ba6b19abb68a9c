package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/signal"
)

// Script entry points.
const (
	incomingFunction = "mapToDittoProtocolMsg"
	outgoingFunction = "mapFromDittoProtocolMsg"
)

// jsMapper runs mapping functions in pooled goja runtimes. A goja
// runtime is not goroutine safe, so each call borrows one from the pool.
type jsMapper struct {
	incoming *goja.Program
	outgoing *goja.Program
	timeout  time.Duration
	pool     sync.Pool
}

func newJSMapper(incomingScript, outgoingScript string, opts Options) (*jsMapper, error) {
	if incomingScript == "" && outgoingScript == "" {
		return nil, errors.New("javascript engine needs an incoming or outgoing script")
	}

	m := &jsMapper{timeout: opts.ExecutionTimeout}
	var err error
	if incomingScript != "" {
		if m.incoming, err = goja.Compile("incoming", incomingScript, true); err != nil {
			return nil, fmt.Errorf("compiling incoming script: %w", err)
		}
	}
	if outgoingScript != "" {
		if m.outgoing, err = goja.Compile("outgoing", outgoingScript, true); err != nil {
			return nil, fmt.Errorf("compiling outgoing script: %w", err)
		}
	}

	// Build one runtime eagerly so that missing entry points surface as
	// configuration errors rather than on the first message.
	vm, err := m.newRuntime()
	if err != nil {
		return nil, err
	}
	m.pool.Put(vm)
	return m, nil
}

func (m *jsMapper) newRuntime() (*goja.Runtime, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	for _, p := range []struct {
		program *goja.Program
		fn      string
	}{{m.incoming, incomingFunction}, {m.outgoing, outgoingFunction}} {
		if p.program == nil {
			continue
		}
		if _, err := m.run(vm, func() (goja.Value, error) { return vm.RunProgram(p.program) }); err != nil {
			return nil, fmt.Errorf("running script: %w", err)
		}
		if _, ok := goja.AssertFunction(vm.Get(p.fn)); !ok {
			return nil, fmt.Errorf("script does not define function %s", p.fn)
		}
	}
	return vm, nil
}

func (m *jsMapper) borrow() (*goja.Runtime, error) {
	if vm, ok := m.pool.Get().(*goja.Runtime); ok {
		return vm, nil
	}
	return m.newRuntime()
}

// run executes fn with the execution timeout armed.
func (m *jsMapper) run(vm *goja.Runtime, fn func() (goja.Value, error)) (goja.Value, error) {
	if m.timeout > 0 {
		timer := time.AfterFunc(m.timeout, func() { vm.Interrupt("execution timeout") })
		defer timer.Stop()
	}
	v, err := fn()
	vm.ClearInterrupt()
	return v, err
}

func (m *jsMapper) call(name string, args ...any) (any, error) {
	vm, err := m.borrow()
	if err != nil {
		return nil, err
	}

	fn, _ := goja.AssertFunction(vm.Get(name))
	params := make([]goja.Value, len(args))
	for i, a := range args {
		params[i] = vm.ToValue(a)
	}

	res, err := m.run(vm, func() (goja.Value, error) { return fn(goja.Undefined(), params...) })
	if err != nil {
		// An interrupted runtime may hold half-updated globals; drop it.
		return nil, fmt.Errorf("%w: %s: %w", ErrScript, name, err)
	}
	m.pool.Put(vm)

	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return nil, nil
	}
	return res.Export(), nil
}

func (m *jsMapper) MapInbound(msg connectivity.ExternalMessage) ([]signal.Signal, error) {
	if m.incoming == nil {
		return envelopeMapper{}.MapInbound(msg)
	}

	headers := msg.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	out, err := m.call(incomingFunction, headers, msg.TextPayload(), msg.ContentType, msg.Address)
	if err != nil || out == nil {
		return nil, err
	}

	envs, err := decodeEnvelopes(out)
	if err != nil {
		return nil, err
	}
	sigs := make([]signal.Signal, 0, len(envs))
	for _, env := range envs {
		sig, err := env.ToSignal()
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, mergeTransportHeaders(sig, msg))
	}
	return sigs, nil
}

// outgoingResult is what mapFromDittoProtocolMsg returns.
type outgoingResult struct {
	Headers     map[string]string `json:"headers"`
	TextPayload string            `json:"textPayload"`
	ContentType string            `json:"contentType"`
}

func (m *jsMapper) MapOutbound(sig signal.Signal) ([]connectivity.ExternalMessage, error) {
	if m.outgoing == nil {
		return envelopeMapper{}.MapOutbound(sig)
	}

	envJSON, err := json.Marshal(EnvelopeFromSignal(sig))
	if err != nil {
		return nil, err
	}
	var envMap map[string]any
	if err := json.Unmarshal(envJSON, &envMap); err != nil {
		return nil, err
	}

	out, err := m.call(outgoingFunction, envMap)
	if err != nil || out == nil {
		return nil, err
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScript, err)
	}
	var results []outgoingResult
	if _, isList := out.([]any); isList {
		err = json.Unmarshal(raw, &results)
	} else {
		var single outgoingResult
		err = json.Unmarshal(raw, &single)
		results = []outgoingResult{single}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: unexpected result shape: %w", ErrScript, err)
	}

	msgs := make([]connectivity.ExternalMessage, 0, len(results))
	for _, r := range results {
		msgs = append(msgs, connectivity.ExternalMessage{
			Headers:     r.Headers,
			Payload:     []byte(r.TextPayload),
			ContentType: r.ContentType,
		})
	}
	return msgs, nil
}

// decodeEnvelopes accepts a single envelope object or a list of them.
func decodeEnvelopes(v any) ([]Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScript, err)
	}
	if _, isList := v.([]any); isList {
		var envs []Envelope
		if err := json.Unmarshal(raw, &envs); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
		}
		return envs, nil
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return []Envelope{env}, nil
}
