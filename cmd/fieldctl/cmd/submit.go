package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/fieldqueue/internal/agent"
	"github.com/austindbirch/fieldqueue/internal/client"
	"github.com/austindbirch/fieldqueue/internal/queue"
)

type submitOptions struct {
	voter   string
	outcome string
	notes   string
	method  string
	consent string
	data    string
	direct  bool
}

var submitOpts submitOptions

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a contact through the agent",
	Long: `Submit a call, canvass or pulse contact through the agent, exactly as a
page would. While the upstream is unreachable the agent queues it and fieldctl
reports it as queued.

With --queue the submission is handed to the agent's queue over the agent
channel without trying the network first.

Examples:
  fieldctl submit call --voter V123 --outcome contacted
  fieldctl submit canvass --voter V123 --outcome "door knock" --notes "dog"
  fieldctl submit pulse --voter V123 --method sms --consent canvass
  fieldctl submit call --voter V123 --data '{"call_result":"left message"}'`,
}

func newSubmitCmd(kind queue.Type) *cobra.Command {
	return &cobra.Command{
		Use:   string(kind),
		Short: fmt.Sprintf("Submit a %s contact", kind),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := buildSubmitBody(kind, submitOpts)
			if err != nil {
				return err
			}
			endpoint := "/api/" + string(kind)
			if submitOpts.direct {
				return queueDirect(cmd, endpoint, body)
			}
			return submitThroughAgent(cmd, endpoint, body)
		},
	}
}

// buildSubmitBody assembles the request body the write endpoint expects.
// Fields from --data override the flag values.
func buildSubmitBody(kind queue.Type, o submitOptions) (map[string]any, error) {
	body := map[string]any{}
	if o.data != "" {
		if err := json.Unmarshal([]byte(o.data), &body); err != nil {
			return nil, fmt.Errorf("failed to parse --data JSON: %w", err)
		}
	}
	set := func(key, value string) {
		if _, ok := body[key]; !ok && value != "" {
			body[key] = value
		}
	}

	set("voter_id", o.voter)
	switch kind {
	case queue.TypeCall:
		set("outcome", o.outcome)
		set("notes", o.notes)
	case queue.TypeCanvass:
		set("action", o.outcome)
		set("note", o.notes)
		if body["action"] == nil && body["result"] == nil && body["outcome"] == nil {
			return nil, errors.New("canvass needs --outcome")
		}
	case queue.TypePulse:
		set("contact_method", o.method)
		set("consent_source", o.consent)
		if body["contact_method"] == nil || body["consent_source"] == nil {
			return nil, errors.New("pulse needs --method and --consent")
		}
	default:
		return nil, fmt.Errorf("unknown contact type %q", kind)
	}

	if body["voter_id"] == nil {
		return nil, errors.New("--voter is required")
	}
	return body, nil
}

func submitThroughAgent(cmd *cobra.Command, endpoint string, body map[string]any) error {
	c, err := getClient()
	if err != nil {
		return err
	}
	resp, err := c.Post(cmd.Context(), endpoint, body)
	if err != nil {
		var se *client.StatusError
		if errors.As(err, &se) {
			return fmt.Errorf("rejected (HTTP %d): %s", se.StatusCode, se.Body)
		}
		return err
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		var v any
		if err := json.Unmarshal(resp.Body, &v); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return printJSON(out, v)
	}
	if resp.Queued {
		if resp.Durable {
			fmt.Fprintln(out, "Offline: queued for sync")
		} else {
			fmt.Fprintln(out, "Offline: queued for sync (session only, lost if the agent restarts)")
		}
		return nil
	}

	var res struct {
		ContactID string `json:"contact_id"`
		Duplicate bool   `json:"duplicate"`
		Outcome   string `json:"outcome"`
	}
	if err := resp.Decode(&res); err != nil {
		return err
	}
	if res.Duplicate {
		fmt.Fprintf(out, "Already recorded: %s\n", res.ContactID)
	} else {
		fmt.Fprintf(out, "Recorded %s (%s)\n", res.ContactID, res.Outcome)
	}
	return nil
}

// queueDirect sends QUEUE_SUBMISSION and waits for the agent to confirm.
func queueDirect(cmd *cobra.Command, endpoint string, body map[string]any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	conn, err := client.Dial(ctx, agentAddr, identityHeader())
	if err != nil {
		return err
	}
	defer conn.Close()

	headers := map[string]string{"Content-Type": "application/json"}
	ident := identityHeader()
	for k := range ident {
		headers[k] = ident.Get(k)
	}
	sub := queue.Submission{Endpoint: endpoint, Method: http.MethodPost, Body: raw, Headers: headers}
	if err := conn.QueueSubmission(ctx, sub); err != nil {
		return err
	}

	for {
		select {
		case msg, ok := <-conn.Notifications():
			if !ok {
				return client.ErrClosed
			}
			switch msg.Type {
			case agent.MsgSubmissionQueued:
				var q agent.SubmissionQueued
				if err := json.Unmarshal(msg.Data, &q); err != nil {
					return err
				}
				if q.Endpoint != endpoint {
					continue
				}
				if outputJSON {
					return printJSON(cmd.OutOrStdout(), q)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued #%d (%s, durable=%v)\n", q.ID, q.Type, q.Durable)
				return nil
			case agent.MsgError:
				var e agent.ErrorData
				_ = json.Unmarshal(msg.Data, &e)
				return fmt.Errorf("agent rejected submission: %s", e.Message)
			}
		case <-ctx.Done():
			return fmt.Errorf("waiting for queue confirmation: %w", ctx.Err())
		}
	}
}

func init() {
	rootCmd.AddCommand(submitCmd)
	for _, kind := range []queue.Type{queue.TypeCall, queue.TypeCanvass, queue.TypePulse} {
		submitCmd.AddCommand(newSubmitCmd(kind))
	}

	flags := submitCmd.PersistentFlags()
	flags.StringVar(&submitOpts.voter, "voter", "", "voter id")
	flags.StringVar(&submitOpts.outcome, "outcome", "", "call outcome or canvass result")
	flags.StringVar(&submitOpts.notes, "notes", "", "free-form notes")
	flags.StringVar(&submitOpts.method, "method", "", "pulse contact method (sms, call, email)")
	flags.StringVar(&submitOpts.consent, "consent", "", "pulse consent source (call, canvass, webform)")
	flags.StringVar(&submitOpts.data, "data", "", "raw JSON body; its fields win over flags")
	flags.BoolVar(&submitOpts.direct, "queue", false, "hand the submission to the agent queue without trying the network")
}
