package hypervisor

import (
	"encoding/json"
	"fmt"
)

// Reply is a middleware answer. It is exactly one of Processing, Completed
// or Failed; callers switch on the concrete type.
type Reply[T any] interface {
	Payload() T
}

// Processing means the middleware is still working.
type Processing[T any] struct{ Value T }

// Completed means the operation settled successfully.
type Completed[T any] struct{ Value T }

// Failed carries the middleware's error message.
type Failed[T any] struct {
	Value   T
	Message string
}

func (r Processing[T]) Payload() T { return r.Value }
func (r Completed[T]) Payload() T  { return r.Value }
func (r Failed[T]) Payload() T     { return r.Value }

func (r Failed[T]) Error() string { return r.Message }

type envelope struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// decodeReply maps the wire status onto a variant. "success" is the task
// endpoint's spelling of completed.
func decodeReply[T any](body []byte) (Reply[T], error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	var value T
	if err := json.Unmarshal(body, &value); err != nil {
		return nil, fmt.Errorf("decode reply payload: %w", err)
	}

	switch env.Status {
	case "processing":
		return Processing[T]{Value: value}, nil
	case "completed", "success":
		return Completed[T]{Value: value}, nil
	case "failed", "error":
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		if msg == "" {
			msg = "middleware reported failure"
		}
		return Failed[T]{Value: value, Message: msg}, nil
	default:
		return nil, fmt.Errorf("unknown reply status %q", env.Status)
	}
}

// FindResult lists the VMs that belong to a key.
type FindResult struct {
	UUID  string  `json:"uuid"`
	VMIDs []int64 `json:"vmids"`
}

// CreateResult describes a freshly cloned VM.
type CreateResult struct {
	UUID         string `json:"uuid"`
	VMID         int64  `json:"vmid"`
	NodeHostname string `json:"node_hostname"`
	VMHostname   string `json:"vm_hostname"`
}

// StatusResult is the provisioning state of a VM.
type StatusResult struct {
	VMID int64          `json:"vmid"`
	UUID string         `json:"uuid"`
	Data map[string]any `json:"data"`
}

// TaskResult is returned by reboot and delete and names the backend task.
type TaskResult struct {
	VMID int64  `json:"vmid"`
	UPID string `json:"upid"`
}

// CreateRequest is the body of a create call.
type CreateRequest struct {
	TemplateVMID int64  `json:"template_vmid"`
	VMTier       string `json:"vm_tier"`
}
