package docker

import (
	"regexp"
	"strings"
)

// The classifiers below match the plain text docker prints. They are best
// effort and pinned to the phrases observed with docker 20.10 to 27.x on
// linux, macOS and windows, including localized Docker Desktop builds. The
// json inventory format avoids them for everything except daemon errors,
// which docker never reports as json.

var unavailablePhrases = []string{
	"cannot connect to the docker daemon",
	"is the docker daemon running",
	"error during connect",
	"docker desktop is not running",
	"docker daemon is not running",
	"the system cannot find the file specified",
	"open //./pipe/docker_engine",
	"permission denied while trying to connect to the docker daemon socket",
	// de-DE Docker Desktop
	"verbindung zum docker-daemon",
	"das system kann die angegebene datei nicht finden",
	// zh-CN Docker Desktop
	"无法连接到 docker 守护进程",
	"系统找不到指定的文件",
}

// IsUnavailable reports a line which says the docker daemon is unreachable.
func IsUnavailable(line string) bool {
	return containsAny(line, unavailablePhrases)
}

var createdPhrases = []string{
	"successfully built",
	"successfully tagged",
	"writing image sha256:",
	"naming to ",
	"creating container",
}

var (
	// docker run -d prints the full container id
	containerID = regexp.MustCompile(`^[0-9a-f]{64}$`)
	// compose v2 progress, for example "Container dockhand-feedback-1  Created"
	composeCreated = regexp.MustCompile(`(?i)^\s*(?:✔\s*)?container\s+\S+\s+(?:created|started|running)\s*$`)
)

// IsContainerCreated reports a line which shows the job created its image or
// container. Used to decide whether a stopped task left artifacts behind.
func IsContainerCreated(line string) bool {
	trimmed := strings.TrimSpace(line)
	if containerID.MatchString(trimmed) || composeCreated.MatchString(trimmed) {
		return true
	}
	return containsAny(trimmed, createdPhrases)
}

var deleteFailurePhrases = []string{
	"error response from daemon",
	"conflict: unable to",
	"is being used by",
	"unable to remove",
	"unable to delete",
	"cannot remove",
}

// rmi reports every removed tag or layer on a line of its own, image names
// may contain any of the failure phrases
var deleteSuccessPrefixes = []string{
	"untagged:",
	"deleted:",
}

// IsDeleteFailure reports a line of docker rmi output which means the image
// was not removed.
func IsDeleteFailure(line string) bool {
	lower := strings.ToLower(strings.TrimSpace(line))
	for _, p := range deleteSuccessPrefixes {
		if strings.HasPrefix(lower, p) {
			return false
		}
	}
	if strings.HasPrefix(lower, "error") {
		return true
	}
	return containsAny(lower, deleteFailurePhrases)
}

func containsAny(line string, phrases []string) bool {
	lower := strings.ToLower(line)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
