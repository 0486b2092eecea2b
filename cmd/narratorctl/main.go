package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/analysis"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/segment"
)

var version = "0.1.0-dev"

const usage = "expected 'segment', 'upload', 'ask', 'history', 'control' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "segment":
		err = runSegment(os.Args[2:])
	case "upload":
		err = runUpload(os.Args[2:])
	case "ask":
		err = runAsk(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "control":
		err = runControl(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type segmentOutput struct {
	Unit      string             `json:"unit"`
	Text      string             `json:"text"`
	Sentences []segment.Sentence `json:"sentences"`
	Offsets   []segment.Entry    `json:"offsets"`
}

func runSegment(args []string) error {
	fs := flag.NewFlagSet("segment", flag.ExitOnError)
	file := fs.String("file", "-", "Text file to segment, or - for stdin")
	unit := fs.String("unit", "bytes", "Offset unit: bytes, runes or utf16")
	_ = fs.Parse(args)

	text, err := readInput(*file)
	if err != nil {
		return err
	}
	sentences := segment.Segment(string(text))
	ix := segment.BuildIndex(sentences, segment.ParseUnit(*unit))
	return printJSON(segmentOutput{
		Unit:      ix.Unit.String(),
		Text:      ix.Text,
		Sentences: sentences,
		Offsets:   ix.Entries,
	})
}

func runUpload(args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	file := fs.String("file", "", "Transcript or recording to upload")
	audio := fs.Bool("audio", false, "Upload as an audio recording")
	publish := fs.Bool("publish", false, "Publish the narrative on the bus for the narrator to read")
	_ = fs.Parse(args)
	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	client, err := analysis.NewClient(cfg.Analysis, nil)
	if err != nil {
		return err
	}

	f, err := os.Open(*file)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx := context.Background()
	var doc analysis.Document
	if *audio {
		doc, err = client.UploadAudio(ctx, *file, f)
	} else {
		doc, err = client.UploadDocument(ctx, *file, f)
	}
	if err != nil {
		return err
	}

	if *publish {
		if err := withBus(cfg, func(c *bus.Client) error {
			return c.PublishJSON(protocol.SubjectAnalysisReady, protocol.AnalysisReady{
				SourceID:  *file,
				Narrative: doc.Narrative(),
				Timestamp: time.Now().UTC(),
			})
		}); err != nil {
			return err
		}
	}
	fmt.Println(doc.Narrative())
	return nil
}

func runAsk(args []string) error {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	client, err := analysis.NewClient(cfg.Analysis, nil)
	if err != nil {
		return err
	}
	answer, err := client.Ask(context.Background(), strings.Join(fs.Args(), " "))
	if err != nil {
		return err
	}
	fmt.Println(answer)
	return nil
}

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	client, err := analysis.NewClient(cfg.Analysis, nil)
	if err != nil {
		return err
	}
	history, err := client.ChatHistory(context.Background())
	if err != nil {
		return err
	}
	if history == nil {
		fmt.Println("no chat session yet")
		return nil
	}
	return printJSON(history)
}

func runControl(args []string) error {
	fs := flag.NewFlagSet("control", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	action := fs.String("action", protocol.ActionPlay, "play, pause, resume, stop, set_text, set_voice or set_enabled")
	text := fs.String("text", "", "Text for set_text")
	voiceID := fs.String("voice", "", "Voice id for set_voice")
	enabled := fs.Bool("enabled", true, "Value for set_enabled")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	req := protocol.ControlRequest{Action: *action, Text: *text, VoiceID: *voiceID}
	if *action == protocol.ActionSetEnabled {
		req.Enabled = enabled
	}

	var reply protocol.ControlReply
	if err := withBus(cfg, func(c *bus.Client) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return c.RequestJSON(ctx, protocol.SubjectNarrationControl, req, &reply)
	}); err != nil {
		return err
	}
	if err := printJSON(reply); err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("%s failed: %s", *action, reply.Error)
	}
	return nil
}

func withBus(cfg config.Config, fn func(*bus.Client) error) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := bus.Connect(ctx, "narratorctl", cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := fn(c); err != nil {
		return err
	}
	return c.Conn().Flush()
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
