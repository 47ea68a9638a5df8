package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"waveline/internal/config"
	"waveline/internal/domain"
	"waveline/internal/engine"
	"waveline/internal/loop"
	"waveline/internal/server"
	"waveline/internal/store"
	"waveline/internal/verify"
)

var rootCmd = &cobra.Command{
	Use:   "wvl",
	Short: "Waveline CLI",
	Long: `Waveline coordinates independent worker processes over a shared filesystem.
Tasks carry dependency edges and are partitioned into execution waves; workers
atomically claim one task at a time, resolve it with evidence, and verification
gates each wave before the next one opens. A failed verification produces fix
tasks and the loop continues.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WAVELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("base", "b", ".waveline", "base state directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("worker-id", "local-worker", "worker identifier")
	rootCmd.PersistentFlags().StringP("project", "p", "", "project name")
	rootCmd.PersistentFlags().StringP("team", "t", "", "team name")
	_ = viper.BindPFlag("base", rootCmd.PersistentFlags().Lookup("base"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("worker-id", rootCmd.PersistentFlags().Lookup("worker-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("team", rootCmd.PersistentFlags().Lookup("team"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(wavesCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
}

func newEngine() (engine.Engine, error) {
	base := viper.GetString("base")
	cfg, err := config.Load(base)
	if err != nil {
		return engine.Engine{}, err
	}
	return engine.New(store.New(base), cfg), nil
}

func requireScope() (string, string, error) {
	project := viper.GetString("project")
	team := viper.GetString("team")
	if project == "" || team == "" {
		return "", "", fmt.Errorf("--project and --team are required")
	}
	return project, team, nil
}

func workerID() string {
	return viper.GetString("worker-id")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTaskTable(tasks []domain.Task) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "TITLE", "ROLE", "STATUS", "WAVE", "CLAIMED BY", "EVIDENCE"})
	for _, t := range tasks {
		wave, claimed := "", ""
		if t.Wave != nil {
			wave = strconv.Itoa(*t.Wave)
		}
		if t.ClaimedBy != nil {
			claimed = *t.ClaimedBy
		}
		tw.AppendRow(table.Row{t.ID, t.Title, t.Role, t.Status, wave, claimed, len(t.Evidence)})
	}
	tw.Render()
}

func printWaveTable(ws []domain.Wave) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"WAVE", "STATUS", "TASKS"})
	for _, w := range ws {
		tw.AppendRow(table.Row{w.ID, w.Status, strings.Join(w.Tasks, ", ")})
	}
	tw.Render()
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}

	var goal string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			project, team, err := requireScope()
			if err != nil {
				return err
			}
			p, err := e.CreateProject(cmd.Context(), project, team, goal, workerID())
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}
	create.Flags().StringVar(&goal, "goal", "", "project goal")
	prj.AddCommand(create)

	prj.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show project and stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			project, team, err := requireScope()
			if err != nil {
				return err
			}
			p, err := e.GetProject(cmd.Context(), project, team)
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	})

	prj.AddCommand(&cobra.Command{
		Use:   "clean",
		Short: "Delete tasks, waves and verification artifacts, keep identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			project, team, err := requireScope()
			if err != nil {
				return err
			}
			p, already, err := e.CleanProject(cmd.Context(), project, team, workerID())
			if err != nil {
				return err
			}
			if already {
				fmt.Fprintln(os.Stderr, "already cleaned")
			}
			return printJSON(p)
		},
	})
	return prj
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}

	var id, title, desc, role string
	var blockedBy []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			project, team, err := requireScope()
			if err != nil {
				return err
			}
			t, err := e.CreateTask(cmd.Context(), engine.TaskCreateOptions{
				Project:     project,
				Team:        team,
				ID:          id,
				Title:       title,
				Description: desc,
				Role:        role,
				BlockedBy:   blockedBy,
				ActorID:     workerID(),
			})
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
	create.Flags().StringVar(&id, "id", "", "task id (generated if empty)")
	create.Flags().StringVar(&title, "title", "", "task title")
	create.Flags().StringVar(&desc, "desc", "", "task description")
	create.Flags().StringVar(&role, "role", "general", "task role")
	create.Flags().StringSliceVar(&blockedBy, "blocked-by", nil, "dependency task ids")
	task.AddCommand(create)

	var statusFilter, roleFilter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			project, team, err := requireScope()
			if err != nil {
				return err
			}
			tasks, err := e.ListTasks(cmd.Context(), project, team, statusFilter, roleFilter)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(tasks)
			}
			printTaskTable(tasks)
			return nil
		},
	}
	list.Flags().StringVar(&statusFilter, "status", "", "filter by status")
	list.Flags().StringVar(&roleFilter, "role", "", "filter by role")
	task.AddCommand(list)

	task.AddCommand(&cobra.Command{
		Use:   "claim <task-id>",
		Short: "Atomically claim an open task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			project, team, err := requireScope()
			if err != nil {
				return err
			}
			t, err := e.ClaimTask(cmd.Context(), project, team, args[0], workerID())
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	})

	var evidenceJSON string
	resolve := &cobra.Command{
		Use:   "resolve <task-id>",
		Short: "Resolve a claimed task with evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			project, team, err := requireScope()
			if err != nil {
				return err
			}
			evidence, err := parseEvidence(evidenceJSON)
			if err != nil {
				return err
			}
			t, err := e.ResolveTask(cmd.Context(), project, team, args[0], workerID(), evidence)
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
	resolve.Flags().StringVar(&evidenceJSON, "evidence", "", "evidence entries as a JSON array")
	task.AddCommand(resolve)

	task.AddCommand(&cobra.Command{
		Use:   "release <task-id>",
		Short: "Release a claimed task back to open",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			project, team, err := requireScope()
			if err != nil {
				return err
			}
			t, err := e.ReleaseTask(cmd.Context(), project, team, args[0], workerID())
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	})

	var evType, evCommand, evOutput, evAction, evPath, evNote string
	var evExit int
	evidence := &cobra.Command{
		Use:   "evidence <task-id>",
		Short: "Append an evidence entry to a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			project, team, err := requireScope()
			if err != nil {
				return err
			}
			ev := domain.Evidence{
				Type:    evType,
				Command: evCommand,
				Output:  evOutput,
				Action:  evAction,
				Path:    evPath,
				Note:    evNote,
			}
			if cmd.Flags().Changed("exit-code") {
				ev.ExitCode = &evExit
			}
			t, err := e.AddEvidence(cmd.Context(), project, team, args[0], workerID(), []domain.Evidence{ev})
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
	evidence.Flags().StringVar(&evType, "type", "note", "evidence type: command|test|file|note")
	evidence.Flags().StringVar(&evCommand, "command", "", "command line (command/test)")
	evidence.Flags().IntVar(&evExit, "exit-code", 0, "command exit code")
	evidence.Flags().StringVar(&evOutput, "output", "", "command output")
	evidence.Flags().StringVar(&evAction, "action", "", "file action: created|modified|deleted")
	evidence.Flags().StringVar(&evPath, "path", "", "file path")
	evidence.Flags().StringVar(&evNote, "note", "", "free-form note")
	task.AddCommand(evidence)

	return task
}

func parseEvidence(raw string) ([]domain.Evidence, error) {
	if raw == "" {
		return nil, nil
	}
	var evidence []domain.Evidence
	if err := json.Unmarshal([]byte(raw), &evidence); err != nil {
		return nil, fmt.Errorf("parse --evidence: %w", err)
	}
	return evidence, nil
}

func wavesCmd() *cobra.Command {
	w := &cobra.Command{Use: "waves", Short: "Wave scheduling"}

	w.AddCommand(&cobra.Command{
		Use:   "calc",
		Short: "Compute execution waves from the dependency graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			project, team, err := requireScope()
			if err != nil {
				return err
			}
			ws, err := e.CalculateWaves(cmd.Context(), project, team, workerID())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(ws)
			}
			printWaveTable(ws)
			return nil
		},
	})

	var waveID int
	status := &cobra.Command{
		Use:   "status",
		Short: "Aggregate status of a wave (default: current)",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			project, team, err := requireScope()
			if err != nil {
				return err
			}
			st, err := e.GetWaveStatus(cmd.Context(), project, team, waveID)
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
	status.Flags().IntVar(&waveID, "wave", 0, "wave id (0 = current)")
	w.AddCommand(status)

	w.AddCommand(&cobra.Command{
		Use:   "set <wave-id> <status>",
		Short: "Move a wave through its lifecycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			project, team, err := requireScope()
			if err != nil {
				return err
			}
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("wave id must be an integer: %w", err)
			}
			return e.UpdateWaveStatus(cmd.Context(), project, team, id, args[1], workerID())
		},
	})
	return w
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Drive the execution loop"}

	run.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Freeze planning: calculate waves and enter execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			project, team, err := requireScope()
			if err != nil {
				return err
			}
			c := loop.New(e)
			ws, err := c.StartExecution(cmd.Context(), project, team, workerID())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(ws)
			}
			printWaveTable(ws)
			return nil
		},
	})

	run.AddCommand(&cobra.Command{
		Use:   "advance",
		Short: "Run one controller step: verify, recover, advance",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			project, team, err := requireScope()
			if err != nil {
				return err
			}
			c := loop.New(e)
			res, err := c.Advance(cmd.Context(), project, team, workerID())
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	})

	run.AddCommand(&cobra.Command{
		Use:   "loop",
		Short: "Iterate the controller until it reports stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			project, team, err := requireScope()
			if err != nil {
				return err
			}
			c := loop.New(e)
			for {
				res, err := c.Iterate(cmd.Context(), project, team, workerID())
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr, res.Reason)
				if !res.Continue {
					return printJSON(res)
				}
			}
		},
	})
	return run
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <text>",
		Short: "Scan text against the blocked-pattern table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("base"))
			if err != nil {
				return err
			}
			return printJSON(verify.Scan(cfg.Verification.Patterns, args[0]))
		},
	}
}

func eventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			project, team, err := requireScope()
			if err != nil {
				return err
			}
			evs, err := e.Events.Tail(project, team, limit)
			if err != nil {
				return err
			}
			return printJSON(evs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, jwtSecret string
	var allowHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API over the shared state directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			handler := server.New(server.Config{
				Engine:     e,
				Controller: loop.New(e),
				Auth: server.AuthConfig{
					JWTSecret:           jwtSecret,
					AllowWorkerIDHeader: allowHeader,
				},
			})
			fmt.Fprintf(os.Stderr, "waveline API listening on %s\n", addr)
			return http.ListenAndServe(addr, handler)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.PersistentFlags().StringVar(&jwtSecret, "jwt-secret", os.Getenv("WAVELINE_JWT_SECRET"), "HS256 secret; empty runs open")
	cmd.Flags().BoolVar(&allowHeader, "allow-worker-header", true, "accept X-Worker-ID header identity")

	var tokenWorker string
	token := &cobra.Command{
		Use:   "token",
		Short: "Mint a worker JWT for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jwtSecret == "" {
				return fmt.Errorf("--jwt-secret is required to mint tokens")
			}
			tok, err := server.MintWorkerToken(tokenWorker, jwtSecret)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	token.Flags().StringVar(&tokenWorker, "worker", "local-worker", "worker id (token subject)")
	cmd.AddCommand(token)
	return cmd
}
