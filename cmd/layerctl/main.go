package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bgiplan/layerd/internal/catalog"
	"github.com/bgiplan/layerd/internal/config"
	"github.com/bgiplan/layerd/internal/daemon"
	"github.com/bgiplan/layerd/internal/rpc"
	"github.com/bgiplan/layerd/internal/upload"
)

const usage = `usage: layerctl [flags] <command> [args]

commands:
  start                       start the daemon if it is not running
  stop                        stop the running daemon
  status                      map readiness
  retry                       rebuild the map after a failed load
  layers                      list managed layers
  show|hide <layer>           set layer visibility
  opacity <layer> <value>     set layer opacity
  apply <question> [--hide]   show the layers of a question
  query <question> <lon> <lat> [tolerance]
  new                         create and open a project
  open <project>              open a project
  delete <project>            delete a project and its stored layers
  files                       list the stored layers of the open project
  upload <file>               upload a GeoJSON or .service.json file
  unload                      write pending saves
  call <method> [json]        send a raw request
`

func main() {
	socket := flag.String("socket", "", "daemon socket (default from config)")
	timeout := flag.Duration("timeout", daemon.DefaultCallTimeout, "request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadFile(filepath.Join(config.Dir(), "config.json"))
	if err != nil {
		fatal(err)
	}
	if *socket != "" {
		cfg.SocketPath = *socket
	}

	ctx := context.Background()
	switch args[0] {
	case "start":
		fatal(startDaemon(cfg))
		return
	case "stop":
		fatal(stopDaemon(cfg))
		return
	}

	method, params, err := request(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	client, err := daemon.Dial(ctx, cfg.SocketPath, *timeout)
	if err != nil {
		fatal(fmt.Errorf("%w (is the daemon running? try `layerctl start`)", err))
	}
	defer client.Close()

	var result json.RawMessage
	if err := client.Call(ctx, method, params, &result); err != nil {
		fatal(err)
	}
	printJSON(result)
}

// request maps a command line onto a daemon method and its params.
func request(args []string) (string, any, error) {
	cmd, rest := args[0], args[1:]
	need := func(n int) error {
		if len(rest) < n {
			return fmt.Errorf("%s needs %d argument(s)", cmd, n)
		}
		return nil
	}

	switch cmd {
	case "status":
		return rpc.MethodMapState, nil, nil
	case "retry":
		return rpc.MethodMapRetry, nil, nil
	case "layers":
		return rpc.MethodLayersList, nil, nil
	case "show", "hide":
		if err := need(1); err != nil {
			return "", nil, err
		}
		return rpc.MethodLayersSetVisible, rpc.SetVisibilityParams{LayerID: rest[0], Visible: cmd == "show"}, nil
	case "opacity":
		if err := need(2); err != nil {
			return "", nil, err
		}
		v, err := strconv.ParseFloat(rest[1], 64)
		if err != nil {
			return "", nil, fmt.Errorf("invalid opacity %q", rest[1])
		}
		return rpc.MethodLayersSetOpacity, rpc.SetOpacityParams{LayerID: rest[0], Opacity: v}, nil
	case "apply":
		if err := need(1); err != nil {
			return "", nil, err
		}
		hide := len(rest) > 1 && rest[1] == "--hide"
		return rpc.MethodQuestionsApply, rpc.ApplyQuestionParams{QuestionID: rest[0], HideOtherDrawLayers: hide}, nil
	case "query":
		if err := need(3); err != nil {
			return "", nil, err
		}
		nums := make([]float64, 0, 3)
		for _, s := range rest[1:] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return "", nil, fmt.Errorf("invalid number %q", s)
			}
			nums = append(nums, v)
		}
		p := rpc.QueryParams{QuestionID: rest[0], Lon: nums[0], Lat: nums[1]}
		if len(nums) > 2 {
			p.Tolerance = nums[2]
		}
		return rpc.MethodFeaturesQuery, p, nil
	case "new":
		return rpc.MethodProjectNew, nil, nil
	case "open", "delete":
		if err := need(1); err != nil {
			return "", nil, err
		}
		method := rpc.MethodProjectOpen
		if cmd == "delete" {
			method = rpc.MethodProjectDelete
		}
		return method, rpc.ProjectParams{ProjectID: rest[0]}, nil
	case "files":
		return rpc.MethodProjectLayers, nil, nil
	case "upload":
		if err := need(1); err != nil {
			return "", nil, err
		}
		return uploadRequest(rest[0])
	case "unload":
		return rpc.MethodSessionUnload, nil, nil
	case "call":
		if err := need(1); err != nil {
			return "", nil, err
		}
		if len(rest) < 2 {
			return rest[0], nil, nil
		}
		if !json.Valid([]byte(rest[1])) {
			return "", nil, errors.New("params are not valid JSON")
		}
		return rest[0], json.RawMessage(rest[1]), nil
	}
	return "", nil, fmt.Errorf("unknown command %q", cmd)
}

func uploadRequest(path string) (string, any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	layerID, name := upload.LayerID(path), upload.DisplayName(path)

	switch upload.Classify(path) {
	case upload.KindService:
		return rpc.MethodUploadService, rpc.UploadServiceParams{LayerID: layerID, Name: name, Descriptor: data}, nil
	case upload.KindVector:
		if catalog.IsDescriptorDocument(data) {
			return rpc.MethodUploadService, rpc.UploadServiceParams{LayerID: layerID, Name: name, Descriptor: data}, nil
		}
		return rpc.MethodUploadVector, rpc.UploadVectorParams{LayerID: layerID, Name: name, GeoJSON: data}, nil
	}
	return "", nil, fmt.Errorf("unsupported upload %s", filepath.Base(path))
}

func startDaemon(cfg *config.Config) error {
	lc := daemon.NewLifecycle(config.Dir(), cfg.SocketPath)
	if pid, ok := lc.Running(); ok {
		fmt.Printf("Daemon already running (pid %d)\n", pid)
		return nil
	}

	execPath, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(filepath.Join(filepath.Dir(execPath), "layerd"))
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	if err := waitForDaemonReady(lc, 10*time.Second); err != nil {
		return err
	}
	fmt.Printf("Daemon started (pid %d)\n", cmd.Process.Pid)
	return cmd.Process.Release()
}

func waitForDaemonReady(lc *daemon.Lifecycle, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, ok := lc.Running(); ok {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon not ready after %v", timeout)
}

func stopDaemon(cfg *config.Config) error {
	lc := daemon.NewLifecycle(config.Dir(), cfg.SocketPath)
	pid, err := lc.PIDFile().Read()
	if err != nil {
		return err
	}
	if pid == 0 || !stopProcess(pid, 5*time.Second) {
		fmt.Println("Daemon not running")
		return nil
	}
	fmt.Printf("Daemon stopped (pid %d)\n", pid)
	return nil
}

func printJSON(raw json.RawMessage) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		os.Stdout.Write(raw)
		fmt.Println()
		return
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "layerctl: %v\n", err)
	os.Exit(1)
}
