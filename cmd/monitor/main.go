package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/BRafols/tribal-wars/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type embeddedCoordinator struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8190", "coordinator base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", true, "start coordinator in the same monitor process lifecycle")
	coordinatorBinary := flag.String("coordinator-bin", "", "path to coordinator binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded coordinator")
	demo := flag.Bool("demo", false, "pass -demo to the embedded coordinator")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	var embeddedProc *embeddedCoordinator
	var err error
	if *embedded {
		embeddedProc, err = startEmbeddedCoordinator(*addr, *coordinatorBinary, *dbPath, *demo)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded coordinator: %v\n", err)
			os.Exit(1)
		}
		defer embeddedProc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "coordinator health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	tasksTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	tasksTable.SetTitle("Task Queue (F5 refresh, Ctrl+R toggle run, F10 quit)").SetBorder(true)

	agentsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	agentsView.SetTitle("Agents").SetBorder(true)

	plansView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	plansView.SetTitle("Attack Plans").SetBorder(true)

	activityView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	activityView.SetTitle("Activity").SetBorder(true)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf("Connecting to %s | embedded=%t", c.baseURL, *embedded))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(agentsView, 0, 1, false).
		AddItem(plansView, 0, 1, false).
		AddItem(activityView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(tasksTable, 0, 1, false).
		AddItem(right, 0, 1, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(statusView, 3, 0, false)

	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refresh := func() {
		snap, err := c.state()
		if err != nil {
			app.QueueUpdateDraw(func() {
				tasksTable.Clear()
				tasksTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		plans, plansErr := c.plans()

		app.QueueUpdateDraw(func() {
			renderTasksTable(tasksTable, snap.Tasks)
			agentsView.SetText(renderAgents(snap.Agents))
			if plansErr != nil {
				plansView.SetText(fmt.Sprintf("error: %v", plansErr))
			} else {
				plansView.SetText(renderPlans(plans))
			}
			activityView.SetText(renderActivity(snap.ActivityLog))
			statusView.SetText(fmt.Sprintf(
				"%s | running=%t | %s | agents=%d tasks=%d",
				c.baseURL, snap.Running, snap.ConnectionStatus, len(snap.Agents), len(snap.Tasks),
			))
		})
	}

	toggleRunning := func() {
		go func() {
			var out struct {
				Running bool `json:"running"`
			}
			if err := c.postJSON("/state/toggle", map[string]any{}, &out); err != nil {
				setStatusAsync("Toggle failed: " + err.Error())
				return
			}
			refresh()
		}()
	}

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refresh()
			return nil
		case tcell.KeyCtrlR:
			toggleRunning()
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refresh()
		for range ticker.C {
			refresh()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(tasksTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedCoordinator(addr, coordinatorBinary, dbPath string, demo bool) (*embeddedCoordinator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	args := []string{"--addr", ":" + port, "--db", dbPath}
	if demo {
		args = append(args, "--demo")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(coordinatorBinary) != "" {
		cmd = exec.Command(coordinatorBinary, args...)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "coordinator")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/coordinator"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start coordinator process: %w", err)
	}
	return &embeddedCoordinator{cmd: cmd}, nil
}

func (e *embeddedCoordinator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func renderTasksTable(table *tview.Table, tasks []domain.Task) {
	table.Clear()
	headers := []string{"Task", "Type", "Village", "Prio", "Retries", "Scheduled"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(t.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Type)))
		table.SetCell(row, 2, tview.NewTableCell(t.VillageID))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%d", t.Priority)))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries)))
		table.SetCell(row, 5, tview.NewTableCell(t.ScheduledAt.Local().Format("15:04:05")))
	}
}

func renderAgents(agents []domain.Agent) string {
	if len(agents) == 0 {
		return "No agents connected"
	}
	var b strings.Builder
	for _, a := range agents {
		visible := " "
		if a.Visible {
			visible = "*"
		}
		b.WriteString(fmt.Sprintf(
			"%s %-10s %-12s village=%-8s seen=%s\n",
			visible, a.Role, shortID(a.ID), a.VillageID, a.LastSeen.Local().Format("15:04:05"),
		))
	}
	return b.String()
}

func renderPlans(plans []domain.AttackPlan) string {
	if len(plans) == 0 {
		return "No pending plans"
	}
	var b strings.Builder
	for _, p := range plans {
		b.WriteString(fmt.Sprintf(
			"%s -> %s send=%s arrive=%s profile=%s\n",
			p.SourceVillageID, p.Target,
			p.SendAt.Local().Format("15:04:05"),
			p.ArriveAt.Local().Format("15:04:05"),
			p.ProfileID,
		))
	}
	return b.String()
}

func renderActivity(entries []domain.LogEntry) string {
	if len(entries) == 0 {
		return "No activity"
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(fmt.Sprintf(
			"[%s] %-16s %s\n",
			e.At.Local().Format("15:04:05"), e.Kind, trimLine(e.Detail, 90),
		))
	}
	return b.String()
}

func (c *client) state() (domain.Snapshot, error) {
	var out domain.Snapshot
	if err := c.getJSON("/state", &out); err != nil {
		return domain.Snapshot{}, err
	}
	return out, nil
}

func (c *client) plans() ([]domain.AttackPlan, error) {
	var out []domain.AttackPlan
	if err := c.getJSON("/plans", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
