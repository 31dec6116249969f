package localserver

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/yndnr/simctl/internal/infra/trigger"
	"github.com/yndnr/simctl/internal/telemetry/metric"
)

// Response is the JSON line written for every command.
type Response struct {
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// DeliverResult is the result of a checkpoint or stop command.
type DeliverResult struct {
	Kind      string `json:"kind"`
	Rank      int    `json:"rank"`
	Delivered int    `json:"delivered"`
}

// Controller is the run the socket controls.
type Controller interface {
	// Deliver raises k on rank, or on every local rank for
	// trigger.AllRanks, and returns the number of ranks reached.
	Deliver(rank int, k trigger.Kind) int
	// Status returns a JSON-encodable view of the run.
	Status() any
}

// Handler executes control commands.
type Handler struct {
	ctl     Controller
	limiter *rate.Limiter
	metrics metric.Sink
}

// NewHandler creates a handler accepting r control requests per second
// with the given burst.
func NewHandler(ctl Controller, r float64, burst int, sink metric.Sink) *Handler {
	if sink == nil {
		sink = metric.Nop{}
	}
	if burst < 1 {
		burst = 1
	}
	return &Handler{
		ctl:     ctl,
		limiter: rate.NewLimiter(rate.Limit(r), burst),
		metrics: sink,
	}
}

// Execute runs one command line.
func (h *Handler) Execute(line string) Response {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Response{Error: "empty command"}
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "ping":
		return Response{OK: true, Result: "pong"}
	case "status":
		return Response{OK: true, Result: h.ctl.Status()}
	case "checkpoint":
		return h.handleDeliver(trigger.Checkpoint, args)
	case "stop":
		return h.handleDeliver(trigger.Stop, args)
	default:
		return Response{Error: "unknown command: " + cmd}
	}
}

func (h *Handler) handleDeliver(k trigger.Kind, args []string) Response {
	rank := trigger.AllRanks
	switch len(args) {
	case 0:
	case 1:
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return Response{Error: fmt.Sprintf("invalid rank %q", args[0])}
		}
		rank = n
	default:
		return Response{Error: "usage: " + k.String() + " [rank]"}
	}

	if !h.limiter.Allow() {
		return Response{Error: "rate limited, request coalesced into pending ones"}
	}

	n := h.ctl.Deliver(rank, k)
	h.metrics.ControlRequest("socket", k.String())
	if n == 0 {
		return Response{Error: fmt.Sprintf("rank %d is not served by this process", rank)}
	}
	return Response{OK: true, Result: DeliverResult{Kind: k.String(), Rank: rank, Delivered: n}}
}
