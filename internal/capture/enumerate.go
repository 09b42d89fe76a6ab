package capture

import (
	"strconv"
)

// ListOutputs reports the outputs the driver can track, logging the virtual
// desktop layout along the way. Outputs are returned even when the driver
// says capture is currently impossible.
func ListOutputs(rt *Runtime) ([]OutputInfo, error) {
	if err := rt.Init(); err != nil {
		return nil, err
	}
	h, err := newSessionHandle(rt.Driver(), log)
	if err != nil {
		return nil, err
	}
	defer h.reset()

	st, err := h.status()
	if err != nil {
		return nil, err
	}

	if !st.CapturePossible {
		log.Error("Framebuffer capture is not possible, the driver may need to enable it")
	}
	log.Info("Found outputs",
		"count", len(st.Outputs),
		"virtualWidth", st.ScreenWidth,
		"virtualHeight", st.ScreenHeight,
		"trackingAvailable", st.OutputTrackingAvailable)

	outputs := make([]OutputInfo, len(st.Outputs))
	for i, out := range st.Outputs {
		out.Index = i
		outputs[i] = out
		log.Info("Output",
			"index", i,
			"id", out.ID,
			"name", out.Name,
			"width", out.Region.Width,
			"height", out.Region.Height,
			"x", out.Region.X,
			"y", out.Region.Y)
	}
	return outputs, nil
}

// DisplayNames returns the selectors accepted by NewDisplaySession.
func DisplayNames(rt *Runtime) ([]string, error) {
	outputs, err := ListOutputs(rt)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(outputs))
	for i := range outputs {
		names[i] = strconv.Itoa(i)
	}
	return names, nil
}
