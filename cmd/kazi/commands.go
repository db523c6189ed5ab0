package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/gateway/httpapi"
	"github.com/jkaninda/kazi/internal/ticket"
)

var (
	submitTitle       string
	submitBody        string
	submitPriority    string
	submitOperation   string
	submitDeliverable string
	submitTeam        string
	submitCategory    string
	submitAgent       string
	submitBlockedBy   string
	submitParent      string

	cancelReason string

	holdResource string
	holdTimeout  time.Duration

	approvalsStatus string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "File a ticket and queue it",
	Long: `File a ticket and queue it for dispatch.

Examples:
  kazi submit -t "Fix flaky login test" --op code_generation --priority P1
  kazi submit -t "Write release notes" --team content --blocked-by 6f1c...`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

var ticketCmd = &cobra.Command{
	Use:   "ticket <ticket-id>",
	Short: "Show a ticket with its replies and diagnostic notes",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicket,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <ticket-id>",
	Short: "Cancel a ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var holdCmd = &cobra.Command{
	Use:   "hold <ticket-id>",
	Short: "Park a queued ticket until a resource is released",
	Args:  cobra.ExactArgs(1),
	RunE:  runHold,
}

var releaseCmd = &cobra.Command{
	Use:   "release <resource>",
	Short: "Release a resource and re-queue the tickets holding on it",
	Args:  cobra.ExactArgs(1),
	RunE:  runRelease,
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <ticket-id>",
	Short: "Hand a ticket to a human, bypassing the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runDispatch,
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List approval requests",
	Args:  cobra.NoArgs,
	RunE:  runApprovals,
}

var approveCmd = &cobra.Command{
	Use:   "approve <approval-id>",
	Short: "Approve a pending dispatch or review",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

var denyCmd = &cobra.Command{
	Use:   "deny <approval-id>",
	Short: "Deny a pending dispatch or review",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeny,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Re-queue orphaned and stale tickets",
	Args:  cobra.NoArgs,
	RunE:  runRecover,
}

var bossCmd = &cobra.Command{
	Use:   "boss",
	Short: "Run one supervisory cycle now",
	Args:  cobra.NoArgs,
	RunE:  runBoss,
}

var modeCmd = &cobra.Command{
	Use:       "mode <manual|suggest|hybrid|smart>",
	Short:     "Change the AI autonomy mode",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"manual", "suggest", "hybrid", "smart"},
	RunE:      runMode,
}

var directiveCmd = &cobra.Command{
	Use:   "directive [file]",
	Short: "Apply a JSON directive from a file or stdin",
	Long: `Apply a scheduler directive. The directive is a JSON object with a
"kind" field, read from the named file or from stdin.

Example:
  echo '{"kind":"reorder_queue","team":"engineering","order":["..."]}' | kazi directive`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDirective,
}

func init() {
	f := submitCmd.Flags()
	f.StringVarP(&submitTitle, "title", "t", "", "ticket title (required)")
	f.StringVarP(&submitBody, "body", "b", "", "ticket body")
	f.StringVarP(&submitPriority, "priority", "p", "", "P1, P2 or P3 (default P2)")
	f.StringVar(&submitOperation, "op", "", "operation type (e.g. code_generation, research)")
	f.StringVar(&submitDeliverable, "deliverable", "", "expected deliverable type")
	f.StringVar(&submitTeam, "team", "", "team queue (default: routed by operation type)")
	f.StringVar(&submitCategory, "category", "", "category used by smart auto-approval")
	f.StringVar(&submitAgent, "agent", "", "pin the ticket to one agent")
	f.StringVar(&submitBlockedBy, "blocked-by", "", "ticket ID that must finish first")
	f.StringVar(&submitParent, "parent", "", "parent ticket ID")
	_ = submitCmd.MarkFlagRequired("title")

	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "reason recorded on the ticket")

	holdCmd.Flags().StringVar(&holdResource, "resource", "", "resource to wait for (required)")
	holdCmd.Flags().DurationVar(&holdTimeout, "hold-timeout", 0, "re-queue after this long (default: server setting)")
	_ = holdCmd.MarkFlagRequired("resource")

	approvalsCmd.Flags().StringVar(&approvalsStatus, "status", "pending", "pending, approved, denied or expired")

	addClientFlags(
		statusCmd, submitCmd, ticketCmd, cancelCmd, holdCmd, releaseCmd, dispatchCmd,
		approvalsCmd, approveCmd, denyCmd, recoverCmd, bossCmd, modeCmd, directiveCmd,
		eventsCmd,
	)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Duration(clientTimeout)*time.Second)
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	req := httpapi.SubmitRequest{
		Title:           submitTitle,
		Body:            submitBody,
		Priority:        ticket.Priority(submitPriority),
		OperationType:   ticket.OperationType(submitOperation),
		DeliverableType: ticket.DeliverableType(submitDeliverable),
		Team:            ticket.Team(submitTeam),
		Category:        submitCategory,
		Agent:           submitAgent,
	}
	var err error
	if req.BlockingTicketID, err = optionalID(submitBlockedBy); err != nil {
		return fmt.Errorf("--blocked-by: %w", err)
	}
	if req.ParentTicketID, err = optionalID(submitParent); err != nil {
		return fmt.Errorf("--parent: %w", err)
	}

	ctx, cancel := commandContext()
	defer cancel()

	var t ticket.Ticket
	if err := newClient().do(ctx, http.MethodPost, "/v1/tickets", req, &t); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s  %s\n", t.ID, t.Priority, t.AssignedTeam, t.Status)
	return nil
}

func runTicket(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	var resp httpapi.TicketResponse
	if err := newClient().do(ctx, http.MethodGet, "/v1/tickets/"+id.String(), nil, &resp); err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), renderTicket(&resp))
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	var body any
	if cancelReason != "" {
		body = httpapi.CancelRequest{Reason: cancelReason}
	}
	if err := newClient().do(ctx, http.MethodPost, "/v1/tickets/"+id.String()+"/cancel", body, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", id)
	return nil
}

func runHold(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	req := httpapi.HoldRequest{Resource: holdResource, TimeoutSeconds: int(holdTimeout / time.Second)}
	if err := newClient().do(ctx, http.MethodPost, "/v1/tickets/"+id.String()+"/hold", req, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s holding on %s\n", id, holdResource)
	return nil
}

func runRelease(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	var resp httpapi.CountResponse
	path := "/v1/resources/" + url.PathEscape(args[0]) + "/release"
	if err := newClient().do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "released %s, %d ticket(s) re-queued\n", args[0], resp.Count)
	return nil
}

func runDispatch(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	if err := newClient().do(ctx, http.MethodPost, "/v1/tickets/"+id.String()+"/dispatch", nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "dispatched %s to a human\n", id)
	return nil
}

func runApprovals(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	var reqs []httpapi.ApprovalResponse
	path := "/v1/approvals?status=" + url.QueryEscape(approvalsStatus)
	if err := newClient().do(ctx, http.MethodGet, path, nil, &reqs); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return fmt.Errorf("approvals are not enabled on this server")
		}
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), renderApprovals(reqs))
	return nil
}

func runApprove(cmd *cobra.Command, args []string) error {
	return resolveApproval(cmd, args[0], "approve")
}

func runDeny(cmd *cobra.Command, args []string) error {
	return resolveApproval(cmd, args[0], "deny")
}

func resolveApproval(cmd *cobra.Command, id, action string) error {
	ctx, cancel := commandContext()
	defer cancel()

	var resp httpapi.ApprovalResponse
	path := "/v1/approvals/" + url.PathEscape(id) + "/" + action
	if err := newClient().do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		switch {
		case isStatus(err, http.StatusGone):
			return fmt.Errorf("approval %s has expired", id)
		case isStatus(err, http.StatusConflict):
			return fmt.Errorf("approval %s was already resolved", id)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (ticket %s)\n", resp.ID, resp.Status, resp.TicketID)
	return nil
}

func runRecover(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	var resp httpapi.CountResponse
	if err := newClient().do(ctx, http.MethodPost, "/v1/recover", nil, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "recovered %d ticket(s)\n", resp.Count)
	return nil
}

func runBoss(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	if err := newClient().do(ctx, http.MethodPost, "/v1/boss/run", nil, nil); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "supervisory cycle started")
	return nil
}

func runMode(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	var resp httpapi.AIModeRequest
	if err := newClient().do(ctx, http.MethodPut, "/v1/settings/ai-mode", httpapi.AIModeRequest{Mode: args[0]}, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ai mode is now %s\n", resp.Mode)
	return nil
}

func runDirective(cmd *cobra.Command, args []string) error {
	var (
		raw []byte
		err error
	)
	if len(args) == 1 && args[0] != "-" {
		raw, err = os.ReadFile(args[0])
	} else {
		raw, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("reading directive: %w", err)
	}

	ctx, cancel := commandContext()
	defer cancel()

	if err := newClient().do(ctx, http.MethodPost, "/v1/directives", raw, nil); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "directive applied")
	return nil
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid ticket ID %q", s)
	}
	return id, nil
}

func optionalID(s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := parseID(s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
