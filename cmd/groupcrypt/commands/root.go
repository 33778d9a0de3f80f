package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"groupcrypt/internal/app"
	"groupcrypt/internal/domain"
	"groupcrypt/internal/relay"
)

var (
	home       string
	passphrase string
	configPath string
	relayURL   string

	cfg app.Config
)

// requestTimeout bounds one command's round trips to the relay.
const requestTimeout = time.Minute

func Execute() error {
	root := &cobra.Command{
		Use:          "groupcrypt",
		Short:        "Group end-to-end encryption for rooms",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" && home != "" {
				configPath = filepath.Join(home, "config.toml")
			}
			if configPath == "" {
				configPath = filepath.Join(app.DefaultConfig().Home, "config.toml")
			}
			var err error
			cfg, err = app.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if home != "" {
				cfg.Home = home
			}
			if relayURL != "" {
				cfg.RelayURL = relayURL
			}
			return os.MkdirAll(cfg.Home, 0o700)
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "data dir (default ~/.groupcrypt)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the account")
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <home>/config.toml)")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay base URL (e.g. http://127.0.0.1:8080)")

	root.AddCommand(
		initCmd(),
		fingerprintCmd(),
		registerCmd(),
		roomCmd(),
		sendCmd(),
		recvCmd(),
		shareHistoryCmd(),
		sessionsCmd(),
	)
	return root.Execute()
}

func requirePassphrase() error {
	if passphrase == "" {
		return fmt.Errorf("passphrase required (-p)")
	}
	return nil
}

func self() (domain.DeviceKey, error) {
	if cfg.UserID == "" || cfg.DeviceID == "" {
		return domain.DeviceKey{}, fmt.Errorf("no device configured. run init first")
	}
	return domain.DeviceKey{UserID: domain.UserID(cfg.UserID), DeviceID: domain.DeviceID(cfg.DeviceID)}, nil
}

func httpClient() (*relay.HTTPClient, error) {
	key, err := self()
	if err != nil {
		return nil, err
	}
	if cfg.RelayURL == "" {
		return nil, fmt.Errorf("no relay configured. use --relay")
	}
	hc := &http.Client{Timeout: requestTimeout}
	return relay.NewHTTPClient(cfg.RelayURL, key, hc, cfg.LoggerFactory()), nil
}

// openDevice unlocks the configured device against the relay. The caller
// closes it.
func openDevice() (*app.Device, *relay.HTTPClient, error) {
	if err := requirePassphrase(); err != nil {
		return nil, nil, err
	}
	client, err := httpClient()
	if err != nil {
		return nil, nil, err
	}
	d, err := app.OpenDevice(app.Options{
		Config:     cfg,
		Passphrase: passphrase,
		Transport:  client,
		Rooms:      client.Rooms(),
	})
	if err != nil {
		return nil, nil, err
	}
	return d, client, nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}
