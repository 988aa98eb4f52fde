package recipe

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// Dockerfile Rendering
// =============================================================================

// Render produces the Dockerfile for the recipe. Output is deterministic:
// the same recipe always renders byte-identical text, so image rebuilds can
// be skipped when nothing changed.
func (r Recipe) Render() (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", r.BaseImage)

	if len(r.SystemPackages) > 0 {
		fmt.Fprintf(&b, "\nRUN apt-get update && apt-get install -y --no-install-recommends %s && rm -rf /var/lib/apt/lists/*\n",
			strings.Join(r.SystemPackages, " "))
	}

	fmt.Fprintf(&b, "\nWORKDIR %s\n", r.WorkDir)

	// Requirements are copied and installed before the app so dependency
	// layers cache across source-only changes.
	if r.RequirementsFile != "" {
		fmt.Fprintf(&b, "\nCOPY %s .\n", r.RequirementsFile)
		fmt.Fprintf(&b, "RUN pip install --no-cache-dir -r %s\n", r.RequirementsFile)
	}

	fmt.Fprintf(&b, "\nCOPY %s .\n", r.AppDir)

	for _, k := range r.sortedEnvKeys() {
		fmt.Fprintf(&b, "\nENV %s=%s", k, r.Env[k])
	}
	if len(r.Env) > 0 {
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nEXPOSE %d\n", r.Port)

	cmd, err := json.Marshal(r.Command)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "\nCMD %s\n", cmd)

	return b.String(), nil
}
