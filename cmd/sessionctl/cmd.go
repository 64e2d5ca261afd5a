package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/goliatone/go-print"
	"github.com/goliatone/go-session"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	ctrl      *session.Controller
	registry  *prometheus.Registry
	elevation bool
	out       io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  login -username USERNAME - log in, the password is prompted")
	fmt.Fprintln(cli.out, "  register -username USERNAME -email EMAIL -first NAME -last NAME -role ROLE - create an account")
	fmt.Fprintln(cli.out, "  logout - clear the persisted session")
	fmt.Fprintln(cli.out, "  status - print the current session")
	fmt.Fprintln(cli.out, "  check -path PATH [-roles a,b] - evaluate the route guard for PATH")
}

func (cli *commandLine) run(ctx context.Context, args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	loginCmd := flag.NewFlagSet("login", flag.ContinueOnError)
	loginUname := loginCmd.String("username", "", "The username. The password will be prompted next.")

	registerCmd := flag.NewFlagSet("register", flag.ContinueOnError)
	registerUname := registerCmd.String("username", "", "The new username.")
	registerEmail := registerCmd.String("email", "", "The account email.")
	registerFirst := registerCmd.String("first", "", "First name.")
	registerLast := registerCmd.String("last", "", "Last name.")
	registerRole := registerCmd.String("role", "", "One of parent, student, tutor, admin.")

	checkCmd := flag.NewFlagSet("check", flag.ContinueOnError)
	checkPath := checkCmd.String("path", "", "The route to evaluate.")
	checkRoles := checkCmd.String("roles", "", "Comma separated roles the route requires.")

	switch args[1] {
	case "login":
		if err := loginCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *loginUname == "" {
			loginCmd.Usage()
			return errHelp
		}
		pwd, err := cli.prompt("Enter password:")
		if err != nil {
			return err
		}
		if pwd == "" {
			loginCmd.Usage()
			return errHelp
		}
		return cli.login(ctx, *loginUname, pwd)
	case "register":
		if err := registerCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *registerUname == "" || *registerRole == "" {
			registerCmd.Usage()
			return errHelp
		}
		pwd, err := cli.prompt("Enter password:")
		if err != nil {
			return err
		}
		confirm, err := cli.prompt("Confirm password:")
		if err != nil {
			return err
		}
		return cli.register(ctx, session.RegisterProfile{
			FirstName:       *registerFirst,
			LastName:        *registerLast,
			Username:        *registerUname,
			Email:           *registerEmail,
			Password:        pwd,
			ConfirmPassword: confirm,
			Role:            *registerRole,
		})
	case "logout":
		cli.ctrl.Logout(ctx)
		fmt.Fprintln(cli.out, "logged out")
		return nil
	case "status":
		return cli.status()
	case "check":
		if err := checkCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *checkPath == "" {
			checkCmd.Usage()
			return errHelp
		}
		return cli.check(ctx, *checkPath, session.ParseRoles(*checkRoles)...)
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) prompt(label string) (string, error) {
	fmt.Fprint(cli.out, label)
	pwd, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Fprintln(cli.out)
	if err != nil {
		return "", err
	}
	return string(pwd), nil
}

func (cli *commandLine) login(ctx context.Context, username, password string) error {
	snap, err := cli.ctrl.Login(ctx, username, password)
	if err != nil {
		return err
	}
	role := session.ResolveEffectiveRole(snap)
	fmt.Fprintf(cli.out, "logged in as %s, role %s, home %s\n", snap.UserID(), role, session.RedirectTargetForRole(role))
	return nil
}

func (cli *commandLine) register(ctx context.Context, profile session.RegisterProfile) error {
	if err := cli.ctrl.Register(ctx, profile); err != nil {
		if field := session.ValidationField(err); field != "" {
			return fmt.Errorf("%s: %w", field, err)
		}
		return err
	}
	fmt.Fprintf(cli.out, "registered %s, log in to continue\n", profile.Username)
	return nil
}

type statusView struct {
	Authenticated      bool   `json:"authenticated"`
	UserID             string `json:"userId,omitempty"`
	EffectiveRole      string `json:"effectiveRole"`
	PersistedRole      string `json:"persistedRole,omitempty"`
	LastRegisteredRole string `json:"lastRegisteredRole,omitempty"`
	ClaimsRole         string `json:"claimsRole,omitempty"`
	ExpiresAt          string `json:"expiresAt,omitempty"`
	Home               string `json:"home"`
}

func (cli *commandLine) status() error {
	snap := cli.ctrl.Snapshot()
	role := session.ResolveEffectiveRole(snap)

	view := statusView{
		Authenticated: snap.Authenticated(),
		UserID:        snap.UserID(),
		EffectiveRole: role.String(),
		Home:          session.RedirectTargetForRole(role),
	}
	if r, ok := snap.PersistedRole(); ok {
		view.PersistedRole = r.String()
	}
	if r, ok := snap.LastRegisteredRole(); ok {
		view.LastRegisteredRole = r.String()
	}
	if r, ok := snap.ClaimsRole(); ok {
		view.ClaimsRole = r.String()
	}
	if exp := snap.ExpiresAt(); !exp.IsZero() {
		view.ExpiresAt = exp.Format("2006-01-02T15:04:05Z07:00")
	}

	fmt.Fprintln(cli.out, print.MaybePrettyJSON(view))
	return nil
}

func (cli *commandLine) check(ctx context.Context, path string, roles ...session.Role) error {
	guard := cli.ctrl.Guard(session.WithAdminElevation(cli.elevation))
	decision := guard.Evaluate(ctx, path, roles...)

	fmt.Fprintln(cli.out, print.MaybePrettyJSON(map[string]any{
		"state":    decision.State,
		"reason":   decision.Reason,
		"role":     decision.Role,
		"location": decision.Location(),
		"elevated": decision.Elevated,
	}))
	return nil
}

func (cli *commandLine) dumpMetrics() {
	families, err := cli.registry.Gather()
	if err != nil {
		logger.Printf("[WRN] gather metrics: %v", err)
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			logger.Printf("[DBG] %s %v %v", mf.GetName(), labels, m.GetCounter().GetValue())
		}
	}
}

// flush waits for queued session writes so they survive process exit.
func (cli *commandLine) flush(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return cli.ctrl.Flush(ctx)
}
