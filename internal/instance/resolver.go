package instance

import (
	"fmt"
	"os"
	"time"
)

// ConflictResolver handles the case where a taskcoordd instance is
// already running on the configured port. taskcoordd is a daemon, not
// an interactive terminal tool, so resolution is driven entirely by
// the TASKCOORDD_ON_CONFLICT environment variable rather than a
// prompt.
type ConflictResolver struct {
	instanceMgr *InstanceManager
}

// NewConflictResolver creates a new conflict resolver
func NewConflictResolver(instanceMgr *InstanceManager) *ConflictResolver {
	return &ConflictResolver{
		instanceMgr: instanceMgr,
	}
}

// Resolve handles the conflict resolution process. May exit the
// process (for the "exit" strategy, the safe default). Returns an
// error if resolution fails, nil if resolved successfully.
func (r *ConflictResolver) Resolve(info *InstanceInfo) error {
	strategy := os.Getenv("TASKCOORDD_ON_CONFLICT")
	if strategy == "" {
		strategy = "exit" // Safe default
	}

	fmt.Printf("Port %d is in use (PID %d). Conflict strategy: %s\n", info.Port, info.PID, strategy)

	switch strategy {
	case "exit":
		fmt.Fprintf(os.Stderr, "Another instance is running on port %d (PID %d)\n", info.Port, info.PID)
		fmt.Fprintf(os.Stderr, "Set TASKCOORDD_ON_CONFLICT to 'kill' or 'port' to change behavior\n")
		os.Exit(1)
		return nil
	case "kill":
		return r.stopExisting(info, true)
	case "port":
		return r.useDifferentPort(info)
	default:
		return fmt.Errorf("unknown conflict strategy: %s", strategy)
	}
}

// stopExisting attempts to stop the existing instance
func (r *ConflictResolver) stopExisting(info *InstanceInfo, force bool) error {
	if !force && info.IsResponding {
		// Try graceful shutdown first
		fmt.Println("Sending graceful shutdown request...")
		err := SendShutdownRequest(info.Port)
		if err != nil {
			fmt.Printf("Graceful shutdown failed: %v\n", err)
			fmt.Println("Attempting force kill...")
			force = true
		} else {
			// Wait for process to exit
			fmt.Println("Waiting for graceful shutdown...")
			time.Sleep(3 * time.Second)

			running, _ := IsProcessRunning(info.PID)
			if !running {
				fmt.Println("Previous instance stopped successfully")
				r.instanceMgr.RemovePIDFile()
				return nil
			}

			fmt.Println("Process still running after graceful shutdown request")
			fmt.Println("Attempting force kill...")
			force = true
		}
	}

	if force {
		fmt.Printf("Force killing process %d...\n", info.PID)
		err := KillProcess(info.PID)
		if err != nil {
			return fmt.Errorf("failed to kill process: %w", err)
		}

		// Wait a moment for process to fully terminate
		time.Sleep(1 * time.Second)

		r.instanceMgr.RemovePIDFile()
		fmt.Println("Previous instance terminated")
	}

	return nil
}

// useDifferentPort finds an available port and continues startup
func (r *ConflictResolver) useDifferentPort(info *InstanceInfo) error {
	currentPort := r.instanceMgr.GetPort()
	newPort := FindAvailablePort(currentPort + 1)

	if newPort == 0 {
		return fmt.Errorf("could not find an available port")
	}

	fmt.Printf("Starting on port %d instead...\n", newPort)
	r.instanceMgr.SetPort(newPort)

	return nil
}
