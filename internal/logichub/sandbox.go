package logichub

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/grace-platform/control-plane/internal/graceerr"
)

// SandboxTimeout bounds how long a code_module/playbook's selfTest is
// allowed to run during validation, mirroring the teacher's TEE script
// engine's per-execution isolation.
const SandboxTimeout = 5 * time.Second

// SandboxResult is what a code_module/playbook validation run produces.
type SandboxResult struct {
	Passed bool     `json:"passed"`
	Logs   []string `json:"logs,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// Sandbox runs untrusted code_module/playbook source in an isolated goja VM
// and requires it to expose a `selfTest(input)` entry point returning
// `{ok: bool, ...}`; validation fails unless selfTest runs clean and
// reports ok === true.
type Sandbox struct{}

func NewSandbox() *Sandbox { return &Sandbox{} }

// Validate runs source's selfTest(input) convention inside a fresh VM per
// call, so no state leaks between validations.
func (s *Sandbox) Validate(ctx context.Context, source string, input map[string]interface{}) (*SandboxResult, error) {
	resultCh := make(chan *SandboxResult, 1)
	errCh := make(chan error, 1)

	go func() {
		vm := goja.New()
		logs := make([]string, 0)

		console := vm.NewObject()
		_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
			for _, arg := range call.Arguments {
				logs = append(logs, arg.String())
			}
			return goja.Undefined()
		})
		_ = vm.Set("console", console)
		_ = vm.Set("input", vm.ToValue(input))

		if _, err := vm.RunString(source); err != nil {
			errCh <- graceerr.ValidationFailed(fmt.Sprintf("module source failed to load: %v", err))
			return
		}

		fn, ok := goja.AssertFunction(vm.Get("selfTest"))
		if !ok {
			errCh <- graceerr.ValidationFailed("module does not export a selfTest(input) function")
			return
		}

		v, err := fn(goja.Undefined(), vm.ToValue(input))
		if err != nil {
			resultCh <- &SandboxResult{Passed: false, Logs: logs, Error: err.Error()}
			return
		}

		out := v.Export()
		passed := false
		if m, ok := out.(map[string]interface{}); ok {
			if ok2, ok := m["ok"].(bool); ok {
				passed = ok2
			}
		}
		resultCh <- &SandboxResult{Passed: passed, Logs: logs}
	}()

	select {
	case <-time.After(SandboxTimeout):
		return nil, graceerr.Timeout("code_module/playbook selfTest")
	case <-ctx.Done():
		return nil, graceerr.Timeout("code_module/playbook selfTest")
	case err := <-errCh:
		return nil, err
	case res := <-resultCh:
		return res, nil
	}
}
