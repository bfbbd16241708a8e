package main

import (
	"log/slog"
	"math"
	"time"

	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"

	"voxmesh/internal/render"
	"voxmesh/internal/tile"
	"voxmesh/internal/volume"
)

const (
	windowWidth  = 1280
	windowHeight = 720
)

func setupWindow() (*glfw.Window, error) {
	glfw.WindowHint(glfw.ContextVersionMajor, 4)
	glfw.WindowHint(glfw.ContextVersionMinor, 1)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)

	window, err := glfw.CreateWindow(windowWidth, windowHeight, "voxmesh", nil, nil)
	if err != nil {
		return nil, err
	}
	window.MakeContextCurrent()
	if err := gl.Init(); err != nil {
		window.Destroy()
		return nil, err
	}
	glfw.SwapInterval(0)
	return window, nil
}

// runView orbits a camera around eye and draws whatever the volume has
// published so far. The visible set is re-selected every frame, so tiles
// refine and coarsen as the camera moves.
func runView(v *volume.Volume, up *render.Uploader, sel render.Selector, eye mgl32.Vec3, fps int, logger *slog.Logger) error {
	if err := glfw.Init(); err != nil {
		return err
	}
	defer glfw.Terminate()

	window, err := setupWindow()
	if err != nil {
		return err
	}
	defer window.Destroy()

	program, err := render.NewProgram()
	if err != nil {
		return err
	}
	defer program.Delete()
	defer up.Close()

	window.SetKeyCallback(func(w *glfw.Window, key glfw.Key, _ int, action glfw.Action, _ glfw.ModifierKey) {
		if key == glfw.KeyEscape && action == glfw.Press {
			w.SetShouldClose(true)
		}
	})

	gl.Enable(gl.DEPTH_TEST)
	gl.Enable(gl.CULL_FACE)
	gl.ClearColor(0.62, 0.75, 0.9, 1)

	shown := make(map[tile.Coord]bool)
	start := time.Now()
	frames := 0
	lastReport := time.Now()
	pacer := &framePacer{limit: fps}

	for !window.ShouldClose() {
		glfw.PollEvents()

		angle := float32(time.Since(start).Seconds() * 0.2)
		orbit := float32(sel.Radius) * 0.75
		cam := render.DefaultCamera(
			eye.Add(mgl32.Vec3{orbit * float32(math.Cos(float64(angle))), orbit * 0.4, orbit * float32(math.Sin(float64(angle)))}),
			eye,
		)
		fw, fh := window.GetFramebufferSize()
		if fh > 0 {
			cam.Aspect = float32(fw) / float32(fh)
		}
		fr := cam.Frustum()

		next := make(map[tile.Coord]bool)
		for _, s := range sel.Select(cam.Eye, &fr) {
			next[s.Coord] = true
			v.RequestVisible(s.Coord, s.Priority)
		}
		for c := range shown {
			if !next[c] {
				v.Hide(c)
			}
		}
		shown = next

		if err := up.Flush(); err != nil {
			logger.Warn("upload", "err", err)
		}

		gl.Viewport(0, 0, int32(fw), int32(fh))
		gl.Clear(gl.COLOR_BUFFER_BIT | gl.DEPTH_BUFFER_BIT)
		program.Use(cam.ViewProj(), mgl32.Vec3{-0.4, -1, -0.3})
		for c := range shown {
			if m, ok := up.Mesh(c); ok {
				program.DrawMesh(m)
			}
		}
		window.SwapBuffers()
		pacer.Wait()

		frames++
		if time.Since(lastReport) >= 5*time.Second {
			st := up.Stats()
			logger.Info("view", "fps", float64(frames)/time.Since(lastReport).Seconds(),
				"tiles", len(shown), "resident", st.Resident, "gpu_bytes", st.Bytes)
			frames = 0
			lastReport = time.Now()
		}
	}
	return nil
}
