package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rojolang/avs-acl-go/pkg/acl"
	"github.com/rojolang/avs-acl-go/pkg/attachment"
	"github.com/rojolang/avs-acl-go/pkg/logging"
	"github.com/rojolang/avs-acl-go/pkg/monitor"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	endpoint   string
	token      string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "avsctl",
		Short:         "AVS connection layer CLI",
		Long:          "Connect to an AVS gateway, send events and watch directives",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "Gateway URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token (overrides config)")

	rootCmd.AddCommand(listenCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		logging.Global().WithError(err).Fatal("CLI execution failed")
	}
}

func loadConfig() (*acl.Config, error) {
	var config *acl.Config
	if configPath != "" {
		c, err := acl.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		config = c
	} else {
		config = acl.NewConfig()
	}
	if endpoint != "" {
		config.Endpoint = endpoint
	}
	if token != "" {
		config.Auth.Token = token
	}
	if verbose {
		config.Log.Level = "DEBUG"
	}
	logging.SetGlobal(logging.NewLogger(config.LogConfig()))
	return config, nil
}

func newClient() (*acl.Client, *acl.Config, error) {
	config, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if issues := config.Validate(); len(issues) > 0 {
		for _, issue := range issues {
			fmt.Fprintf(os.Stderr, "config: %s\n", issue)
		}
		return nil, nil, acl.NewConfigError("invalid configuration")
	}
	client, err := acl.NewClient(config, acl.WithClientLogger(logging.Global()))
	if err != nil {
		return nil, nil, err
	}
	return client, config, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func listenCmd() *cobra.Command {
	var monitorAddr, saveDir string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Hold the downchannel open and print directives",
		Long:  "Connect to the gateway and log every directive until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, config, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			logger := logging.Global()
			client.AddMessageHandler(acl.CreateLoggingMessageHandler(logger, verbose))
			client.AddErrorHandler(acl.CreateErrorLoggingHandler(logger, "Listen"))
			client.AddConnectionHandler(acl.CreateConnectionStatusHandler(logger, nil))
			if saveDir != "" {
				client.AddMessageHandler(acl.CreateAttachmentHandler(client.Attachments(), logger, saveAttachment(saveDir, logger)))
			}

			ctx, stop := signalContext()
			defer stop()

			if monitorAddr == "" {
				monitorAddr = config.Monitor.Addr
			}
			if monitorAddr != "" {
				hub := monitor.NewHub(logger)
				client.AddMessageHandler(hub.MessageHandler())
				client.AddConnectionHandler(hub.ConnectionHandler())
				client.AddErrorHandler(hub.ErrorHandler())
				go func() {
					if err := hub.ListenAndServe(ctx, monitorAddr); err != nil {
						logger.WithError(err).Error("monitor stopped")
					}
				}()
			}

			if err := client.Connect(); err != nil {
				return err
			}
			fmt.Printf("Listening on %s (Ctrl+C to stop)\n", client.Endpoints())
			<-ctx.Done()
			fmt.Println("Disconnecting...")
			return nil
		},
	}

	cmd.Flags().StringVar(&monitorAddr, "monitor-addr", "", "Serve a websocket event feed on this address (e.g. :8089)")
	cmd.Flags().StringVar(&saveDir, "save-attachments", "", "Write received audio attachments into this directory")
	return cmd
}

func saveAttachment(dir string, logger *logging.Logger) func(*acl.InboundMessage, *attachment.Reader) {
	return func(msg *acl.InboundMessage, r *attachment.Reader) {
		go func() {
			defer r.Close()
			name := msg.Directive.Header.MessageID
			if name == "" {
				name = fmt.Sprintf("attachment-%d", time.Now().UnixNano())
			}
			path := filepath.Join(dir, name+".bin")
			f, err := os.Create(path)
			if err != nil {
				logger.WithError(err).Error("cannot create attachment file")
				return
			}
			defer f.Close()
			n, err := io.Copy(f, r)
			if err != nil {
				logger.WithError(err).Warnf("attachment %s truncated after %d bytes", r.ID(), n)
				return
			}
			logger.Infof("saved %d bytes to %s", n, path)
		}()
	}
}

func sendCmd() *cobra.Command {
	var namespace, name, payload, audioFile string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one event",
		Long:  "Connect, send a single event with an optional audio attachment and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			var body interface{}
			if payload != "" {
				var raw json.RawMessage
				if err := json.Unmarshal([]byte(payload), &raw); err != nil {
					return fmt.Errorf("--payload is not valid JSON: %w", err)
				}
				body = raw
			}

			client, _, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()
			client.AddMessageHandler(acl.CreateLoggingMessageHandler(logging.Global(), true))

			var attachments []acl.NamedReader
			if audioFile != "" {
				f, err := os.Open(audioFile)
				if err != nil {
					return err
				}
				defer f.Close()
				attachments = append(attachments, acl.NamedReader{Name: "audio", Reader: f})
			}

			ctx, stop := signalContext()
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			if err := client.Connect(); err != nil {
				return err
			}
			if err := waitConnected(ctx, client); err != nil {
				return err
			}

			result, err := client.SendEvent(ctx, namespace, name, body, attachments...)
			if err != nil {
				return err
			}
			fmt.Printf("Status: %s\n", result.Status)
			if result.Exception != "" {
				fmt.Printf("Exception: %s\n", result.Exception)
			}
			if !result.Status.IsSuccess() {
				return acl.NewACLError("event rejected: "+string(result.Status), acl.ErrCodeSendFailure)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "System", "Event namespace")
	cmd.Flags().StringVar(&name, "name", "SynchronizeState", "Event name")
	cmd.Flags().StringVar(&payload, "payload", "", "Event payload as JSON")
	cmd.Flags().StringVar(&audioFile, "audio", "", "File streamed as the audio attachment")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Overall deadline")
	return cmd
}

func waitConnected(ctx context.Context, client *acl.Client) error {
	connected := make(chan struct{}, 1)
	remove := client.AddConnectionHandler(func(s acl.ConnectionStatus, _ acl.ChangedReason) {
		if s == acl.StatusConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	defer remove()
	if client.Status() == acl.StatusConnected {
		return nil
	}
	select {
	case <-connected:
		return nil
	case <-ctx.Done():
		return acl.NewTimeoutError("gateway not reachable: " + ctx.Err().Error())
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			config.PrintConfig(cmd.OutOrStdout())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			issues := config.Validate()
			if len(issues) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
				return nil
			}
			for _, issue := range issues {
				fmt.Fprintf(cmd.OutOrStdout(), "✗ %s\n", issue)
			}
			return acl.NewConfigError(fmt.Sprintf("%d configuration issue(s)", len(issues)))
		},
	})

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Development token helpers",
	}

	var apiKey, clientID string
	var ttl time.Duration
	dev := &cobra.Command{
		Use:   "dev",
		Short: "Mint a development token from an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiKey == "" {
				apiKey = os.Getenv("AVS_DEV_API_KEY")
			}
			r := acl.GenerateDevToken(apiKey, clientID, ttl)
			if !r.Success {
				return r.Error
			}
			fmt.Fprintln(cmd.OutOrStdout(), r.Data.Token)
			if verbose {
				fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", r.Data.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	dev.Flags().StringVar(&apiKey, "api-key", "", "Dev API key (default $AVS_DEV_API_KEY)")
	dev.Flags().StringVar(&clientID, "client-id", "", "Subject claim")
	dev.Flags().DurationVar(&ttl, "ttl", acl.DefaultDevTokenTTL, "Token lifetime")
	cmd.AddCommand(dev)

	cmd.AddCommand(&cobra.Command{
		Use:   "expiry [token]",
		Short: "Print the expiry of a JWT without verifying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, ok := acl.TokenExpiry(args[0])
			if !ok {
				return acl.NewACLError("token has no readable exp claim", acl.ErrCodeTokenDecode)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (in %s)\n", exp.Format(time.RFC3339), time.Until(exp).Round(time.Second))
			return nil
		},
	})

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "avsctl %s\n", version)
		},
	}
}
