package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/javi11/httpvfs/internal/rangeserver"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve <dir>",
		Short: "Serve a directory of database files with byte-range support",
		Args:  cobra.ExactArgs(1),
		RunE:  runServe,
	}

	serveCmd.Flags().String("listen", ":8080", "listen address")
	_ = viper.BindPFlags(serveCmd.Flags())

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	dir := args[0]

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	srv := rangeserver.New(afero.NewBasePathFs(afero.NewOsFs(), dir), slog.Default())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := viper.GetString("listen")
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(addr)
	}()

	slog.Info("Serving databases", "dir", dir, "listen", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutting down")
		return srv.Shutdown()
	}
}
