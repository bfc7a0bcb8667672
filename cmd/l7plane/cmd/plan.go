package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/solatis/l7plane/internal/core/service"
	"github.com/solatis/l7plane/internal/fixture"
	"github.com/solatis/l7plane/internal/rules"
	"github.com/solatis/l7plane/internal/status"
	"github.com/solatis/l7plane/internal/store"
	"github.com/solatis/l7plane/internal/store/memstore"
	"github.com/solatis/l7plane/internal/types"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Compile a listener's plan and optionally evaluate a request against it",
	Long: `Compiles the listener's conditions, ACLs and rules without dispatching.
Entities are read from the database, or from a fixture file with -f.
With --probe-* flags the compiled plan is evaluated against that request.`,
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
	f := planCmd.Flags()
	f.String("listener", "", "listener id (required)")
	f.StringP("file", "f", "", "fixture file to compile instead of the database")
	f.StringP("output", "o", "text", "output format (text, yaml, json)")
	f.String("probe-method", "GET", "probe request method")
	f.String("probe-host", "", "probe request host")
	f.String("probe-path", "", "probe request path, may include a query string")
	f.StringSlice("probe-header", nil, "probe request header as name=value (repeatable)")
	f.String("probe-src", "", "probe request source address")
	planCmd.MarkFlagRequired("listener")
}

type stepView struct {
	Kind      types.Kind      `json:"kind" yaml:"kind"`
	ID        types.EntityID  `json:"id" yaml:"id"`
	Name      string          `json:"name" yaml:"name"`
	State     rules.StepState `json:"state" yaml:"state"`
	Predicate string          `json:"predicate" yaml:"predicate"`
	Action    string          `json:"action" yaml:"action"`
}

type matchView struct {
	Matched bool   `json:"matched" yaml:"matched"`
	Step    string `json:"step,omitempty" yaml:"step,omitempty"`
	Action  string `json:"action,omitempty" yaml:"action,omitempty"`
}

type planView struct {
	ListenerID types.ListenerID `json:"listener_id" yaml:"listener_id"`
	Digest     string           `json:"digest" yaml:"digest"`
	Steps      []stepView       `json:"steps" yaml:"steps"`
	Config     []string         `json:"config" yaml:"config"`
	Match      *matchView       `json:"match,omitempty" yaml:"match,omitempty"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	flags := cmd.Flags()
	listener, _ := flags.GetString("listener")
	file, _ := flags.GetString("file")
	output, _ := flags.GetString("output")
	switch output {
	case "text", "yaml", "json":
	default:
		return fmt.Errorf("invalid output format %q (expected text, yaml or json)", output)
	}

	probe, err := probeRequest(cmd)
	if err != nil {
		return err
	}

	var s store.Store
	if file != "" {
		s, err = loadFixture(ctx, file)
	} else {
		s, err = planStore(cmd)
	}
	if err != nil {
		return err
	}
	defer s.Close()

	set, err := s.GetEntities(ctx, types.ListenerID(listener))
	if err != nil {
		return err
	}
	engine := rules.NewEngine()
	plan, err := engine.Compile(set)
	var cerr *types.CompileError
	if errors.As(err, &cerr) {
		for _, e := range cerr.Errors {
			cmd.PrintErrln(e.Error())
		}
		return fmt.Errorf("listener %s does not compile", listener)
	}
	if err != nil {
		return err
	}

	view := planView{ListenerID: plan.ListenerID, Digest: plan.Digest, Config: rules.Render(plan)}
	for _, st := range plan.Steps {
		view.Steps = append(view.Steps, stepView{
			Kind:      st.Ref.Kind,
			ID:        st.Ref.ID,
			Name:      st.Name,
			State:     st.State,
			Predicate: st.Predicate.Canonical(),
			Action:    st.Action.Canonical(),
		})
	}
	if probe != nil {
		m := engine.Evaluate(plan, *probe)
		view.Match = &matchView{Matched: m.Matched}
		if m.Matched {
			view.Match.Step = fmt.Sprintf("%s %s (%s)", m.Step.Ref.Kind, m.Step.Ref.ID, m.Step.Name)
			view.Match.Action = m.Step.Action.Canonical()
		}
	}
	return writePlan(cmd.OutOrStdout(), output, &view)
}

func writePlan(w io.Writer, format string, view *planView) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(view); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}
	for _, line := range view.Config {
		fmt.Fprintln(w, line)
	}
	if view.Match != nil {
		if view.Match.Matched {
			fmt.Fprintf(w, "# probe matched %s: %s\n", view.Match.Step, view.Match.Action)
		} else {
			fmt.Fprintln(w, "# probe matched nothing")
		}
	}
	return nil
}

// probeRequest builds the evaluation request, or nil when no probe flag
// was given.
func probeRequest(cmd *cobra.Command) (*rules.Request, error) {
	flags := cmd.Flags()
	probing := false
	for _, name := range []string{"probe-method", "probe-host", "probe-path", "probe-header", "probe-src"} {
		if flags.Changed(name) {
			probing = true
		}
	}
	if !probing {
		return nil, nil
	}

	req := &rules.Request{Headers: make(map[string]string)}
	req.Method, _ = flags.GetString("probe-method")
	req.Host, _ = flags.GetString("probe-host")
	req.URL, _ = flags.GetString("probe-path")
	if req.URL == "" {
		req.URL = "/"
	}
	req.Path, _, _ = strings.Cut(req.URL, "?")

	headers, _ := flags.GetStringSlice("probe-header")
	for _, h := range headers {
		name, value, ok := strings.Cut(h, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --probe-header %q (expected name=value)", h)
		}
		req.Headers[name] = value
	}
	if src, _ := flags.GetString("probe-src"); src != "" {
		addr, err := netip.ParseAddr(src)
		if err != nil {
			return nil, fmt.Errorf("invalid --probe-src: %w", err)
		}
		req.Source = addr
	}
	return req, nil
}

// loadFixture creates the fixture's listeners and entities in a memory
// store through the service, so they are validated as the API would.
func loadFixture(ctx context.Context, path string) (store.Store, error) {
	f, err := fixture.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	s := memstore.New()
	svc, err := service.New(s, store.NewLocker(), status.NewTracker(s, zerolog.Nop()), nil, zerolog.Nop())
	if err != nil {
		return nil, err
	}
	if _, err := f.Apply(ctx, fixture.ServiceTarget(svc)); err != nil {
		return nil, err
	}
	return s, nil
}

func planStore(cmd *cobra.Command) (store.Store, error) {
	cfg, _, err := setup(cmd)
	if err != nil {
		return nil, err
	}
	return openStore(cfg, false)
}
