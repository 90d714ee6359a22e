// Command wsecho is a small CLI front-end exercising the library's two
// roles: `serve` runs an echo server, `dial` connects to one and sends a
// single message (spec §6, SPEC_FULL §10/§11).
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/momentics/wsproto/protocol"
	"github.com/momentics/wsproto/session"
	"github.com/momentics/wsproto/wsclient"
	"github.com/momentics/wsproto/wsserver"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wsecho",
		Short: "Minimal RFC 6455 WebSocket echo client/server",
	}

	root.PersistentFlags().String("log-file", "", "rotate logs to this path instead of stderr")
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	viper.BindPFlag("log-file", root.PersistentFlags().Lookup("log-file"))
	viper.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))
	viper.SetEnvPrefix("WSECHO")
	viper.AutomaticEnv()

	root.AddCommand(newServeCmd(), newDialCmd())
	return root
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(viper.GetString("log-level")); err == nil {
		log.SetLevel(lvl)
	}
	if path := viper.GetString("log-file"); path != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // MiB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	return log
}

func newServeCmd() *cobra.Command {
	var addr, certFile, keyFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run an echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			srv := wsserver.New(wsserver.Config{
				Addr:     addr,
				CertFile: certFile,
				KeyFile:  keyFile,
				Logger:   log,
			})
			srv.On(session.EventText, func(s *session.Session, payload []byte) {
				if err := s.SendFrame(protocol.OpText, payload, true, true); err != nil {
					log.WithError(err).Warn("wsecho: echo failed")
				}
			})
			srv.On(session.EventBinary, func(s *session.Session, payload []byte) {
				if err := s.SendFrame(protocol.OpBinary, payload, true, true); err != nil {
					log.WithError(err).Warn("wsecho: echo failed")
				}
			})
			return srv.Run()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9001", "listen address")
	cmd.Flags().StringVar(&certFile, "cert", "", "TLS certificate file (enables TLS)")
	cmd.Flags().StringVar(&keyFile, "key", "", "TLS key file")
	return cmd
}

func newDialCmd() *cobra.Command {
	var host, message string
	var port int
	var useTLS, skipVerify bool
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "connect and send one Text message, printing the reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			sess, err := wsclient.Connect(host, port, wsclient.Options{
				TLS:         useTLS,
				SkipVerify:  skipVerify,
				DialTimeout: 5 * time.Second,
				Logger:      log,
			})
			if err != nil {
				return err
			}

			replies := make(chan []byte, 1)
			sess.On(session.EventText, func(s *session.Session, payload []byte) {
				replies <- payload
			})
			sess.Serve()

			if err := sess.SendFrame(protocol.OpText, []byte(message), true, true); err != nil {
				return err
			}

			select {
			case reply := <-replies:
				fmt.Println(string(reply))
			case <-time.After(5 * time.Second):
				return fmt.Errorf("wsecho: timed out waiting for reply")
			}
			return sess.Close(protocol.CloseNormalClosure, "")
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "server host")
	cmd.Flags().IntVar(&port, "port", 9001, "server port")
	cmd.Flags().StringVar(&message, "message", "Hello?", "message to send")
	cmd.Flags().BoolVar(&useTLS, "tls", false, "use TLS")
	cmd.Flags().BoolVar(&skipVerify, "insecure", false, "skip TLS certificate verification")
	return cmd
}
