// Package setup runs the interactive configuration wizard.
package setup

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/cambio/config"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

var ErrCancelled = errors.New("setup cancelled by user")

// answers holds the raw wizard inputs.
type answers struct {
	backendURL        string
	eventsURL         string
	apiToken          string
	dni               string
	expirationTimeout string
	pollInterval      string
	reconnectAttempts string
	dashboardAddr     string
	notifications     bool
}

func defaultAnswers() answers {
	d := config.Default()
	return answers{
		expirationTimeout: d.ExpirationTimeout.String(),
		pollInterval:      d.PollInterval.String(),
		reconnectAttempts: strconv.Itoa(d.ReconnectAttempts),
		notifications:     d.Notifications,
	}
}

// RunTUI launches the terminal configuration wizard and writes the result to path.
func RunTUI(path string) error {
	a := defaultAnswers()
	var confirm bool

	step := func(title string) {
		fmt.Print("\033[H\033[2J") // clear screen
		fmt.Println(headerStyle.Render("CAMBIO CONFIG WIZARD"))
		fmt.Println(stepStyle.Render(title))
	}

	step("STEP 1: BACKEND")
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Where your operations live.\n"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Backend URL").
				Description("REST API base, e.g. https://api.example.pe").
				Value(&a.backendURL).
				Validate(validateURL("http", "https")),
			huh.NewInput().
				Title("Events URL").
				Description("Real-time channel, e.g. wss://api.example.pe/ws").
				Value(&a.eventsURL).
				Validate(validateURL("ws", "wss")),
			huh.NewInput().
				Title("API token").
				Description("Optional, can also be set via " + config.TokenEnv).
				Value(&a.apiToken).
				EchoMode(huh.EchoModePassword),
		),
	).Run()
	if err != nil {
		return err
	}

	step("STEP 2: IDENTITY")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("DNI").
				Description("The document number your operations are registered with").
				Value(&a.dni).
				Validate(validateDNI),
		),
	).Run()
	if err != nil {
		return err
	}

	step("STEP 3: TIMING")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Expiration timeout").
				Description("How long a Pendiente operation waits for deposits (e.g. 15m)").
				Value(&a.expirationTimeout).
				Validate(validatePositiveDuration),
			huh.NewInput().
				Title("Poll interval").
				Description("Fallback refresh when the live channel is down (0s disables)").
				Value(&a.pollInterval).
				Validate(func(s string) error {
					d, err := time.ParseDuration(s)
					if err == nil && d < 0 {
						return errors.New("must not be negative")
					}
					return err
				}),
			huh.NewInput().
				Title("Reconnect attempts").
				Value(&a.reconnectAttempts).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 {
						return errors.New("must be a whole number of at least 1")
					}
					return nil
				}),
		),
	).Run()
	if err != nil {
		return err
	}

	step("STEP 4: EXTRAS")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Dashboard address").
				Description("host:port for the local web dashboard, empty to disable").
				Value(&a.dashboardAddr),
			huh.NewConfirm().
				Title("Show notifications?").
				Value(&a.notifications),
		),
	).Run()
	if err != nil {
		return err
	}

	cfg, err := a.config()
	if err != nil {
		return err
	}

	step("FINAL CONFIRMATION")
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary(cfg)))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save configuration?").
				Affirmative("Yes, save").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return ErrCancelled
	}

	if err := config.Save(path, cfg); err != nil {
		return err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s", path)))
	return nil
}

// config turns the answers into a config; the inputs were validated field by field.
func (a answers) config() (config.Config, error) {
	cfg := config.Default()
	cfg.BackendURL = strings.TrimRight(strings.TrimSpace(a.backendURL), "/")
	cfg.EventsURL = strings.TrimSpace(a.eventsURL)
	cfg.APIToken = a.apiToken
	cfg.DNI = strings.TrimSpace(a.dni)
	cfg.DashboardAddr = strings.TrimSpace(a.dashboardAddr)
	cfg.Notifications = a.notifications

	var err error
	if cfg.ExpirationTimeout, err = time.ParseDuration(a.expirationTimeout); err != nil {
		return config.Config{}, errors.Wrap(err, "expiration timeout")
	}
	if cfg.PollInterval, err = time.ParseDuration(a.pollInterval); err != nil {
		return config.Config{}, errors.Wrap(err, "poll interval")
	}
	if cfg.ReconnectAttempts, err = strconv.Atoi(a.reconnectAttempts); err != nil {
		return config.Config{}, errors.Wrap(err, "reconnect attempts")
	}
	return cfg, nil
}

func summary(cfg config.Config) string {
	dashboard := cfg.DashboardAddr
	if dashboard == "" {
		dashboard = "disabled"
	}
	return fmt.Sprintf(
		"Backend: %s\nEvents: %s\nDNI: %s\nExpiration: %s\nPoll: %s\nDashboard: %s\nNotifications: %t",
		cfg.BackendURL, cfg.EventsURL, cfg.DNI, cfg.ExpirationTimeout, cfg.PollInterval, dashboard, cfg.Notifications,
	)
}

func validateURL(schemes ...string) func(string) error {
	return func(s string) error {
		u, err := url.Parse(strings.TrimSpace(s))
		if err != nil {
			return errors.New("must be a valid url")
		}
		for _, scheme := range schemes {
			if u.Scheme == scheme && u.Host != "" {
				return nil
			}
		}
		return fmt.Errorf("must be a %s url", strings.Join(schemes, " or "))
	}
}

func validateDNI(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("dni cannot be empty")
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return errors.New("dni must contain digits only")
		}
	}
	return nil
}

func validatePositiveDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d <= 0 {
		return errors.New("must be positive")
	}
	return nil
}
