package business

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/antoniostano/aiwave/internal/voice"
)

const (
	ToolConfirmBooking    = "confirmBooking"
	ToolTransferToManager = "transferToManager"
)

var ErrMissingArgument = errors.New("missing tool argument")

// Tools declares the functions every receptionist may call.
func Tools() []voice.ToolDeclaration {
	return []voice.ToolDeclaration{
		{
			Name:        ToolConfirmBooking,
			Description: "Save the confirmed booking details to the database once the name, email, and employee are confirmed.",
			Parameters: map[string]voice.ParameterSchema{
				"customerName":  {Type: "string", Description: "The name of the client."},
				"customerEmail": {Type: "string", Description: "The email of the client."},
				"employeeName":  {Type: "string", Description: "The name of the employee selected."},
				"service":       {Type: "string", Description: "The service being booked."},
				"time":          {Type: "string", Description: "The scheduled time."},
			},
			Required: []string{"customerName", "customerEmail", "employeeName", "service", "time"},
		},
		{
			Name:        ToolTransferToManager,
			Description: "Transfer to a human manager if requested or if the AI cannot handle the query.",
			Parameters: map[string]voice.ParameterSchema{
				"reason": {Type: "string"},
			},
			Required: []string{"reason"},
		},
	}
}

// BookingRequest is the argument set of a confirmBooking call.
type BookingRequest struct {
	CustomerName  string
	CustomerEmail string
	EmployeeName  string
	Service       string
	Time          string
}

// ParseBookingRequest reads confirmBooking arguments. Every field is
// required.
func ParseBookingRequest(args map[string]any) (BookingRequest, error) {
	req := BookingRequest{
		CustomerName:  stringArg(args, "customerName"),
		CustomerEmail: stringArg(args, "customerEmail"),
		EmployeeName:  stringArg(args, "employeeName"),
		Service:       stringArg(args, "service"),
		Time:          stringArg(args, "time"),
	}
	var missing []string
	for name, v := range map[string]string{
		"customerName":  req.CustomerName,
		"customerEmail": req.CustomerEmail,
		"employeeName":  req.EmployeeName,
		"service":       req.Service,
		"time":          req.Time,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return req, fmt.Errorf("%w: %s", ErrMissingArgument, strings.Join(missing, ", "))
	}
	return req, nil
}

func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// ToolRouter turns raw tool invocations into booking and transfer events.
type ToolRouter struct {
	OnBooking  func(BookingRequest)
	OnTransfer func(reason string)
}

// Handle routes one invocation. Unknown names and malformed bookings are
// reported as errors; the session has already acknowledged the call.
func (r ToolRouter) Handle(name string, args map[string]any) error {
	switch name {
	case ToolConfirmBooking:
		req, err := ParseBookingRequest(args)
		if err != nil {
			return err
		}
		if r.OnBooking != nil {
			r.OnBooking(req)
		}
		return nil
	case ToolTransferToManager:
		if r.OnTransfer != nil {
			r.OnTransfer(stringArg(args, "reason"))
		}
		return nil
	default:
		return fmt.Errorf("unknown tool %q", name)
	}
}
