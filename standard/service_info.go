package standard

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// ServiceType represents how the service is running.
type ServiceType string

const (
	ServiceTypeSystemd    ServiceType = "systemd"
	ServiceTypeDocker     ServiceType = "docker"
	ServiceTypeStandalone ServiceType = "standalone"
)

// ServiceInfo identifies the process that reports leaks.
type ServiceInfo struct {
	ServiceName      string
	Version          string
	StartTime        time.Time
	ServiceType      ServiceType
	GoVersion        string
	BinaryPath       string
	WorkingDirectory string
	User             string
	UID              int
	GID              int
}

// AutoDetect creates ServiceInfo for the current process.
func AutoDetect(serviceName, version string) *ServiceInfo {
	startTime := time.Now().UTC()

	binaryPath, _ := os.Executable()
	if binaryPath != "" {
		if resolved, err := filepath.EvalSymlinks(binaryPath); err == nil {
			binaryPath = resolved
		}
	}

	workingDir, _ := os.Getwd()

	userName := "unknown"
	uid, gid := 0, 0
	if currentUser, err := user.Current(); err == nil {
		userName = currentUser.Username
		if parsed, err := strconv.Atoi(currentUser.Uid); err == nil {
			uid = parsed
		}
		if parsed, err := strconv.Atoi(currentUser.Gid); err == nil {
			gid = parsed
		}
	}

	return &ServiceInfo{
		ServiceName:      serviceName,
		Version:          version,
		StartTime:        startTime,
		ServiceType:      detectServiceType(),
		GoVersion:        runtime.Version(),
		BinaryPath:       binaryPath,
		WorkingDirectory: workingDir,
		User:             userName,
		UID:              uid,
		GID:              gid,
	}
}

// GetData returns the service description sent along with exported reports.
func (s *ServiceInfo) GetData() interface{} {
	return map[string]interface{}{
		"name":              s.ServiceName,
		"version":           s.Version,
		"pid":               os.Getpid(),
		"start_time":        s.StartTime.Format("2006-01-02T15:04:05+00:00"),
		"type":              string(s.ServiceType),
		"go_version":        s.GoVersion,
		"gomaxprocs":        runtime.GOMAXPROCS(0),
		"binary_path":       s.BinaryPath,
		"working_directory": s.WorkingDirectory,
		"user":              s.User,
		"uid":               s.UID,
		"gid":               s.GID,
	}
}

// detectServiceType determines how the service is running.
func detectServiceType() ServiceType {
	// systemd sets INVOCATION_ID for every unit it starts
	if os.Getenv("INVOCATION_ID") != "" {
		return ServiceTypeSystemd
	}

	if _, err := os.Stat("/.dockerenv"); err == nil {
		return ServiceTypeDocker
	}

	if data, err := os.ReadFile("/proc/self/cgroup"); err == nil {
		cgroup := string(data)
		if strings.Contains(cgroup, "docker") || strings.Contains(cgroup, "containerd") {
			return ServiceTypeDocker
		}
	}

	if data, err := os.ReadFile("/proc/1/comm"); err == nil {
		if string(data) == "systemd\n" {
			return ServiceTypeSystemd
		}
	}

	return ServiceTypeStandalone
}
