package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"mcp-meal-chat/internal/conversation"
	"mcp-meal-chat/internal/models"
	"mcp-meal-chat/internal/reconcile"
	"mcp-meal-chat/internal/remote"
	"mcp-meal-chat/internal/scoring"
	"mcp-meal-chat/internal/session"
	"mcp-meal-chat/internal/storage"
)

var serverURL string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Log meals in an interactive conversation",
	Long: `Starts a single conversation on the terminal.

Type what you ate, or use:
  /voice <transcript>   send a voice transcript
  /photo <path>         send a photo
  /barcode <code> [name]
  /pick <n>             choose a portion suggestion
  /save /modify /retry  answer the last question
  /meals /progress      show what is logged
  /quit`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&serverURL, "server", "", "Persistence API base URL; the local database is used when empty")
}

type repl struct {
	sess        *session.Session
	out         io.Writer
	suggestions []models.QuantitySuggestion
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serverURL != "" {
		cfg.Persistence.BaseURL = serverURL
	}

	var api reconcile.MealAPI
	if cfg.Persistence.BaseURL != "" {
		api = remote.NewClient(cfg.PersistenceURL(),
			remote.WithTimeout(cfg.PersistenceTimeout()),
			remote.WithMaxRetries(cfg.Persistence.MaxRetries),
			remote.WithLogger(log))
	} else {
		stor, err := storage.NewSQLiteStorage(cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer stor.Close()
		api = stor.API()
	}

	scorer := scoring.NewClient(cfg.Scoring.ProxyURL, cfg.Scoring.APIKey, cfg.Scoring.Model,
		cfg.ScoringTimeout(), scoring.WithLogger(log))
	sess := session.New(uuid.NewString(), scorer, api, session.Options{
		Threshold: cfg.Scoring.ConfidenceThreshold,
		Settings:  cfg.Goals,
		Logger:    log,
	})

	ctx := cmd.Context()
	if err := sess.Hydrate(ctx); err != nil {
		log.Warn("could not load logged meals", "error", err)
	}

	r := &repl{sess: sess, out: cmd.OutOrStdout()}
	fmt.Fprintln(r.out, "What did you eat? (/quit to exit)")
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "/quit" || line == "/exit" {
			break
		}
		if err := r.handle(ctx, line); err != nil {
			fmt.Fprintln(r.out, "!", describeError(err))
		}
	}
	return scanner.Err()
}

func (r *repl) handle(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	var (
		reply *conversation.Reply
		err   error
	)
	switch cmd {
	case "/voice":
		reply, err = r.sess.Engine.Submit(ctx, models.Input{Modality: models.ModalityVoice, Transcript: rest})
	case "/photo":
		data, rerr := os.ReadFile(rest)
		if rerr != nil {
			return fmt.Errorf("failed to read photo: %w", rerr)
		}
		reply, err = r.sess.Engine.Submit(ctx, models.Input{
			Modality: models.ModalityPhoto,
			Image:    &models.ImageRef{MIMEType: http.DetectContentType(data), Data: data},
		})
	case "/barcode":
		code, name, _ := strings.Cut(rest, " ")
		reply, err = r.sess.Engine.Submit(ctx, models.Input{
			Modality: models.ModalityBarcode,
			Product:  &models.BarcodeProduct{Barcode: code, Name: strings.TrimSpace(name)},
		})
	case "/pick":
		n, perr := strconv.Atoi(rest)
		if perr != nil || n < 1 || n > len(r.suggestions) {
			return fmt.Errorf("pick a number between 1 and %d", len(r.suggestions))
		}
		reply, err = r.sess.Engine.SuggestionSelected(ctx, r.suggestions[n-1].Value)
	case "/save", "/modify", "/retry":
		reply, err = r.sess.Engine.ActionSelected(ctx, models.Action(strings.TrimPrefix(cmd, "/")))
	case "/meals":
		r.printMeals()
		return nil
	case "/progress":
		r.printProgress()
		return nil
	default:
		reply, err = r.sess.Engine.Submit(ctx, models.Input{Modality: models.ModalityText, Text: line})
	}
	if err != nil {
		return err
	}
	r.render(reply)
	return nil
}

func (r *repl) render(reply *conversation.Reply) {
	for _, msg := range reply.Messages {
		if msg.Author != models.AuthorBot {
			continue
		}
		fmt.Fprintln(r.out, msg.Content)
		if len(msg.Suggestions) > 0 {
			r.suggestions = msg.Suggestions
			for i, s := range msg.Suggestions {
				mark := ""
				if s.Default {
					mark = " (default)"
				}
				fmt.Fprintf(r.out, "  %d. %s%s\n", i+1, s.Label, mark)
			}
		}
		if len(msg.Actions) > 0 {
			names := make([]string, len(msg.Actions))
			for i, a := range msg.Actions {
				names[i] = "/" + string(a)
			}
			fmt.Fprintf(r.out, "  [%s]\n", strings.Join(names, " "))
		}
	}
}

func (r *repl) printMeals() {
	meals := r.sess.Store.Meals()
	if len(meals) == 0 {
		fmt.Fprintln(r.out, "No meals logged yet.")
		return
	}
	for _, m := range meals {
		kcal := ""
		if m.Calories != nil {
			kcal = fmt.Sprintf(", %d kcal", *m.Calories)
		}
		fmt.Fprintf(r.out, "  %s  %s: %dg protein%s\n", m.Timestamp.Local().Format("Jan 2 15:04"), m.Description, m.ProteinGrams, kcal)
	}
}

func (r *repl) printProgress() {
	p := r.sess.Store.Progress(time.Now())
	fmt.Fprintf(r.out, "  %s: %dg / %dg protein (%.0f%%), %d / %d kcal\n",
		p.Date, p.ProteinGrams, p.ProteinGoal, p.ProteinPercent, p.Calories, p.CaloriesGoal)
}

func describeError(err error) string {
	switch {
	case errors.Is(err, models.ErrNoEstimate):
		return "there is nothing to save yet"
	case errors.Is(err, models.ErrNothingToRetry):
		return "there is nothing to retry"
	case errors.Is(err, models.ErrBusy), errors.Is(err, models.ErrConfirmInFlight):
		return "still working on the last message"
	default:
		return err.Error()
	}
}
