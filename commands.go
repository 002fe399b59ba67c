package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"relaychat/config"
	"relaychat/models"
	"relaychat/storage"
	"relaychat/wallet"
)

type rootState struct {
	dataDir     string
	relayURL    string
	password    string
	passwordRSA string

	cfg     *config.Config
	cfgPath string
	logger  *slog.Logger
}

func newRootCommand() *cobra.Command {
	state := &rootState{}

	root := &cobra.Command{
		Use:           "relaychat",
		Short:         "Relay messenger client with a local encrypted wallet",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if state.dataDir != "" {
				if err := os.Setenv(config.DataDirEnv, state.dataDir); err != nil {
					return err
				}
			}
			cfg, cfgPath, err := config.LoadOrCreate()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if state.relayURL != "" {
				cfg.RelayURL = state.relayURL
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			logger, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			state.cfg, state.cfgPath, state.logger = cfg, cfgPath, logger
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&state.dataDir, "data-dir", "", "data directory (default: OS config dir, or $"+config.DataDirEnv+")")
	flags.StringVar(&state.relayURL, "relay", "", "relay WebSocket URL, overrides relay_url")
	flags.StringVarP(&state.password, "passphrase", "p", os.Getenv("RELAYCHAT_PASSPHRASE"), "signing wallet passphrase")
	flags.StringVar(&state.passwordRSA, "rsa-passphrase", os.Getenv("RELAYCHAT_RSA_PASSPHRASE"), "RSA wallet passphrase")

	root.AddCommand(
		walletCmd(state),
		runCmd(state),
		sendCmd(state),
		historyCmd(state),
		lastCmd(state),
	)
	return root
}

func walletCmd(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage local wallets",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Generate a signing wallet and an RSA wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			if state.password == "" {
				return errors.New("passphrase required (-p)")
			}
			address, err := wallet.Create(state.cfg.WalletDir, state.password, state.passwordRSA)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wallet created.\nAddress: %s\n", address)
			if state.passwordRSA == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No RSA wallet: pass --rsa-passphrase to receive messages.")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List wallet addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			addresses, err := wallet.List(state.cfg.WalletDir)
			if err != nil {
				return err
			}
			for _, address := range addresses {
				fmt.Fprintln(cmd.OutOrStdout(), address)
			}
			return nil
		},
	})

	return cmd
}

func runCmd(state *rootState) *cobra.Command {
	var (
		address  string
		register bool
		fee      uint64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stay connected to the relay and sync messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			s, err := startSession(ctx, state.cfg, state.cfgPath, state.logger, sessionOptions{
				address:     address,
				password:    state.password,
				passwordRSA: state.passwordRSA,
				onNewMessages: func(owner string, counter models.Counter) {
					fmt.Fprintf(out, "%s: messages up to #%d\n", owner, counter)
				},
			})
			if err != nil {
				return err
			}

			if register {
				isNew, err := s.register(ctx, fee)
				if err != nil {
					return multierr.Append(fmt.Errorf("register: %w", err), s.Close())
				}
				state.logger.Info("address registered", "address", address, "new", isNew)
			}

			fmt.Fprintf(out, "Syncing %s (press Ctrl+C to stop)\n", address)
			<-ctx.Done()
			return s.Close()
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "", "wallet address")
	cmd.Flags().BoolVar(&register, "register", false, "register the address and RSA key with the relay first")
	cmd.Flags().Uint64Var(&fee, "fee", 0, "relay fee")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func sendCmd(state *rootState) *cobra.Command {
	var (
		from    string
		to      string
		fee     uint64
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Encrypt and send one message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := startSession(ctx, state.cfg, state.cfgPath, state.logger, sessionOptions{
				address:     from,
				password:    state.password,
				passwordRSA: state.passwordRSA,
			})
			if err != nil {
				return err
			}

			sendCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			counter, err := s.send(sendCtx, to, strings.Join(args, " "), fee)
			if err != nil {
				return multierr.Append(fmt.Errorf("send: %w", err), s.Close())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent to %s as #%d\n", to, counter)
			return s.Close()
		},
	}

	cmd.Flags().StringVarP(&from, "from", "a", "", "sender wallet address")
	cmd.Flags().StringVar(&to, "to", "", "recipient address")
	cmd.Flags().Uint64Var(&fee, "fee", 0, "relay fee")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func historyCmd(state *rootState) *cobra.Command {
	var (
		address    string
		collocutor string
		from       uint64
		to         uint64
		count      int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print stored messages, decrypting them when the wallet passphrases are given",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(state.cfgPath)
			if err != nil {
				return err
			}
			defer store.Close()

			upper := models.Counter(to)
			if upper == 0 {
				if upper, err = store.GetMessageMaxCounter(address); err != nil {
					return err
				}
			}

			var messages []models.Message
			switch {
			case collocutor != "" && count > 0:
				messages, err = store.GetMessagesForUserAndDestNum(address, collocutor, count, upper)
			case collocutor != "":
				messages, err = store.GetMessagesForUserAndDest(address, collocutor, models.Counter(from), upper)
			default:
				messages, err = store.GetMessagesForUser(address, models.Counter(from), upper)
			}
			if err != nil {
				return err
			}

			if state.password != "" {
				manager := wallet.NewManager(wallet.Options{Logger: state.logger})
				if err := manager.Unlock(state.cfg.WalletDir, address, state.password, state.passwordRSA, state.cfg.WalletTTL); err != nil {
					return fmt.Errorf("unlock wallet: %w", err)
				}
				defer manager.Lock()
				messages = manager.TryDecryptMessages(address, messages)
			}

			for _, message := range messages {
				fmt.Fprintln(cmd.OutOrStdout(), formatMessage(message))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "", "wallet address")
	cmd.Flags().StringVar(&collocutor, "with", "", "only messages exchanged with this address")
	cmd.Flags().Uint64Var(&from, "from", 1, "first counter")
	cmd.Flags().Uint64Var(&to, "to", 0, "last counter (default: latest)")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "last n messages with --with")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func lastCmd(state *rootState) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "last",
		Short: "Print the latest stored and confirmed counters of an address",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(state.cfgPath)
			if err != nil {
				return err
			}
			defer store.Close()

			highest, err := store.GetMessageMaxCounter(address)
			if err != nil {
				return err
			}
			confirmed, err := store.GetMessageMaxConfirmedCounter(address)
			if err != nil {
				return err
			}
			pos, err := store.GetSavedPos(address)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "last: %d\nconfirmed: %d\nsaved position: %d\n", highest, confirmed, pos)
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "", "wallet address")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func formatMessage(message models.Message) string {
	direction := "<-"
	if !message.IsInput {
		direction = "->"
	}
	status := ""
	if !message.IsConfirmed {
		status = " (pending)"
	}
	body := message.Payload
	if !message.IsEncrypted {
		if raw, err := hex.DecodeString(message.Payload); err == nil {
			body = string(raw)
		}
	} else {
		body = "[encrypted]"
	}
	stamp := time.Unix(message.Timestamp, 0).Format(time.DateTime)
	return fmt.Sprintf("#%d %s %s %s%s: %s", message.Counter, stamp, direction, message.Collocutor, status, body)
}
