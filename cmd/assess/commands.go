package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/noah-isme/health-assessment-client/internal/models"
	"github.com/noah-isme/health-assessment-client/internal/service"
	appErrors "github.com/noah-isme/health-assessment-client/pkg/errors"
	"github.com/noah-isme/health-assessment-client/pkg/export"
)

const usage = `usage: assess <command> [flags]

commands:
  submit   -patient ID -symptoms TEXT [-history TEXT] [-meds LIST] [-wait]
  status   SESSION_ID
  watch    SESSION_ID
  approve  SESSION_ID [-comments TEXT]
  reject   SESSION_ID [-comments TEXT]
  export   SESSION_ID [-format csv|pdf] [-o FILE]
  batch    [-file PATH]   (CSV with patientId,symptoms,medicalHistory,currentMedications; "-" reads stdin)
`

var errUsage = errors.New("invalid usage")

type app struct {
	client  *service.AssessmentClient
	exports *service.ExportService
	batch   *service.BatchService
	stdin   io.Reader
	stdout  io.Writer
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(a.stdout, usage)
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "submit":
		return a.submit(ctx, rest)
	case "status":
		return a.status(ctx, rest)
	case "watch":
		return a.watch(ctx, rest)
	case "approve":
		return a.decide(ctx, models.DecisionApproved, rest)
	case "reject":
		return a.decide(ctx, models.DecisionRejected, rest)
	case "export":
		return a.export(ctx, rest)
	case "batch":
		return a.runBatch(ctx, rest)
	case "help", "-h", "--help":
		fmt.Fprint(a.stdout, usage)
		return nil
	}
	fmt.Fprint(a.stdout, usage)
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// parseWithSessionID accepts the session ID before or after the flags.
func parseWithSessionID(fs *flag.FlagSet, args []string) (string, error) {
	var sessionID string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sessionID, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return "", fmt.Errorf("%w: %v", errUsage, err)
	}
	if sessionID == "" && fs.NArg() > 0 {
		sessionID = fs.Arg(0)
	}
	if strings.TrimSpace(sessionID) == "" {
		return "", fmt.Errorf("%w: %s requires a session ID", errUsage, fs.Name())
	}
	return sessionID, nil
}

func (a *app) submit(ctx context.Context, args []string) error {
	fs := newFlagSet("submit")
	patient := fs.String("patient", "", "patient identifier")
	symptoms := fs.String("symptoms", "", "symptom description")
	history := fs.String("history", "", "medical history")
	meds := fs.String("meds", "", "current medications, comma or newline separated")
	wait := fs.Bool("wait", false, "poll until the assessment leaves processing")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	session, err := a.client.Submit(ctx, models.Intake{
		PatientID:          *patient,
		Symptoms:           *symptoms,
		MedicalHistory:     *history,
		CurrentMedications: service.ParseMedications(*meds),
	})
	if err != nil {
		return err
	}
	a.printLine(*session)
	if *wait && session.Status.InFlight() {
		return a.follow(ctx, session.SessionID, session.Status)
	}
	return nil
}

func (a *app) status(ctx context.Context, args []string) error {
	fs := newFlagSet("status")
	asJSON := fs.Bool("json", false, "print the full snapshot as JSON")
	sessionID, err := parseWithSessionID(fs, args)
	if err != nil {
		return err
	}
	session, err := a.client.FetchStatus(ctx, sessionID)
	if err != nil {
		return err
	}
	if *asJSON {
		return a.printJSON(session)
	}
	a.printDetail(*session)
	return nil
}

func (a *app) watch(ctx context.Context, args []string) error {
	fs := newFlagSet("watch")
	sessionID, err := parseWithSessionID(fs, args)
	if err != nil {
		return err
	}
	return a.follow(ctx, sessionID, "")
}

// follow polls sessionID, printing every status change. printed is the status
// already shown to the user, if any.
func (a *app) follow(ctx context.Context, sessionID string, printed models.AssessmentStatus) error {
	var last models.Session
	handle := a.client.Poll(ctx, sessionID, func(s models.Session) {
		last = s
		if s.Status != printed || s.Status == models.StatusError {
			printed = s.Status
			a.printLine(s)
		}
	})
	<-handle.Done()

	if err := handle.Err(); err != nil {
		return err
	}
	if last.Status == models.StatusError {
		return appErrors.Clone(appErrors.ErrRequestFailed, last.Message)
	}
	if last.Status != "" {
		a.printDetail(last)
	}
	return nil
}

func (a *app) decide(ctx context.Context, decision models.DecisionType, args []string) error {
	name := strings.ToLower(string(decision))
	fs := newFlagSet(name)
	comments := fs.String("comments", "", "comments for the assessment team")
	sessionID, err := parseWithSessionID(fs, args)
	if err != nil {
		return err
	}

	current, err := a.client.FetchStatus(ctx, sessionID)
	if err != nil {
		return err
	}
	if current.Status != models.StatusAwaitingApproval {
		return appErrors.Clone(appErrors.ErrPreconditionFailed, fmt.Sprintf("session is %s, not awaiting approval", current.Status))
	}

	session, err := a.client.Decide(ctx, sessionID, decision, *comments)
	if err != nil {
		return err
	}
	a.printLine(*session)
	if session.Status.InFlight() {
		return a.follow(ctx, sessionID, session.Status)
	}
	return nil
}

func (a *app) export(ctx context.Context, args []string) error {
	fs := newFlagSet("export")
	formatFlag := fs.String("format", "pdf", "csv or pdf")
	out := fs.String("o", "", "output file (default derived from the session ID, \"-\" for stdout)")
	sessionID, err := parseWithSessionID(fs, args)
	if err != nil {
		return err
	}
	format, err := service.ParseReportFormat(*formatFlag)
	if err != nil {
		return err
	}

	session, err := a.client.FetchStatus(ctx, sessionID)
	if err != nil {
		return err
	}
	report, err := a.exports.Render(session, format)
	if err != nil {
		return err
	}

	if *out == "-" {
		_, err = a.stdout.Write(report.Data)
		return err
	}
	path := *out
	if path == "" {
		path = report.Filename
	}
	if err := os.WriteFile(path, report.Data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	fmt.Fprintf(a.stdout, "wrote %s (%d bytes)\n", path, len(report.Data))
	return nil
}

func (a *app) runBatch(ctx context.Context, args []string) error {
	fs := newFlagSet("batch")
	file := fs.String("file", "-", "CSV file of intakes, \"-\" for stdin")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	in := a.stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			return fmt.Errorf("open batch file: %w", err)
		}
		defer f.Close()
		in = f
	}

	forms, err := service.ParseBatchCSV(in)
	if err != nil {
		return err
	}
	outcomes, runErr := a.batch.Run(ctx, forms)

	if err := export.NewCSVExporter().RenderTo(a.stdout, service.BatchOutcomeDataset(outcomes)); err != nil {
		return err
	}
	return runErr
}

func (a *app) printLine(s models.Session) {
	line := fmt.Sprintf("%s\t%s", s.SessionID, s.Status)
	if s.CurrentAgent != "" {
		line += "\t" + s.CurrentAgent
	}
	if s.Message != "" {
		line += "\t" + s.Message
	}
	fmt.Fprintln(a.stdout, line)
}

func (a *app) printDetail(s models.Session) {
	for _, row := range service.BuildReportDataset(&s).Rows {
		fmt.Fprintf(a.stdout, "%-28s %s\n", row["Field"]+":", row["Value"])
	}
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, errUsage), errors.Is(err, appErrors.ErrValidation):
		return 2
	case errors.Is(err, service.ErrPollTimeout):
		return 3
	}
	return 1
}
