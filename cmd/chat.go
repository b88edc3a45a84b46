package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/nextlevelbuilder/bookbot/internal/http"
	"github.com/nextlevelbuilder/bookbot/internal/pipeline"
)

func chatCmd() *cobra.Command {
	var (
		server  string
		phone   string
		message string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running gateway as an SMS customer",
		Long:  "Sends messages to POST /v1/chat. With -m sends one message and exits; otherwise reads lines from stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if server == "" {
				server = fmt.Sprintf("http://127.0.0.1:%d", cfg.Gateway.Port)
			}
			c := &chatClient{base: strings.TrimRight(server, "/"), token: cfg.Gateway.Token, phone: phone, http: &http.Client{Timeout: 2 * time.Minute}}

			if message != "" {
				return c.send(cmd.Context(), os.Stdout, message)
			}
			return c.repl(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "gateway base URL (default: http://127.0.0.1:<gateway.port>)")
	cmd.Flags().StringVar(&phone, "phone", "+15550000000", "customer phone number")
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	return cmd
}

type chatClient struct {
	base  string
	token string
	phone string
	http  *http.Client
}

func (c *chatClient) repl(ctx context.Context, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "Type a message (Ctrl-D to quit).")
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := c.send(ctx, out, line); err != nil {
			fmt.Fprintf(out, "error: %s\n", err)
		}
	}
}

func (c *chatClient) send(ctx context.Context, out io.Writer, message string) error {
	body, _ := json.Marshal(httpapi.ChatRequest{Message: message, Phone: c.phone})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var res pipeline.ChatResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	fmt.Fprintln(out, res.Response)
	return nil
}
