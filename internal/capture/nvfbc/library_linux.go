//go:build linux

package nvfbc

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/breeze-rmm/fbcapture/internal/capture"
)

var (
	fbcLibraryNames  = []string{"libnvidia-fbc.so.1", "libnvidia-fbc.so"}
	cudaLibraryNames = []string{"libcuda.so.1", "libcuda.so"}
)

// openLibrary dlopens the first name that loads.
func openLibrary(names []string) (uintptr, error) {
	var errs []error
	for _, name := range names {
		lib, err := purego.Dlopen(name, purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if err == nil {
			log.Debug("Loaded library", "name", name)
			return lib, nil
		}
		errs = append(errs, err)
	}
	return 0, &capture.DriverError{Op: "dlopen " + names[0], Message: errors.Join(errs...).Error()}
}

// bindFunc resolves the first available symbol into fptr.
func bindFunc(lib uintptr, fptr any, names ...string) error {
	for _, name := range names {
		sym, err := purego.Dlsym(lib, name)
		if err == nil && sym != 0 {
			purego.RegisterFunc(fptr, sym)
			return nil
		}
	}
	return &capture.DriverError{Op: "dlsym", Message: fmt.Sprintf("couldn't load %s", names[0])}
}

// fbcLibrary is the NvFBC entry point table.
type fbcLibrary struct {
	handle uintptr
	fn     functionList

	getLastErrorStr       func(session uint64) string
	createHandle          func(session *uint64, params unsafe.Pointer) uint32
	destroyHandle         func(session uint64, params unsafe.Pointer) uint32
	getStatus             func(session uint64, params unsafe.Pointer) uint32
	createCaptureSession  func(session uint64, params unsafe.Pointer) uint32
	destroyCaptureSession func(session uint64, params unsafe.Pointer) uint32
	toSysSetUp            func(session uint64, params unsafe.Pointer) uint32
	toSysGrabFrame        func(session uint64, params unsafe.Pointer) uint32
	toCudaSetUp           func(session uint64, params unsafe.Pointer) uint32
	toCudaGrabFrame       func(session uint64, params unsafe.Pointer) uint32
	bindContext           func(session uint64, params unsafe.Pointer) uint32
	releaseContext        func(session uint64, params unsafe.Pointer) uint32
}

func loadFBC() (*fbcLibrary, error) {
	handle, err := openLibrary(fbcLibraryNames)
	if err != nil {
		return nil, err
	}

	var createInstance func(list *functionList) uint32
	if err := bindFunc(handle, &createInstance, "NvFBCCreateInstance"); err != nil {
		purego.Dlclose(handle)
		return nil, err
	}

	lib := &fbcLibrary{handle: handle}
	lib.fn.Version = apiVersion
	if status := createInstance(&lib.fn); status != statusSuccess {
		purego.Dlclose(handle)
		return nil, &capture.DriverError{Op: "NvFBCCreateInstance", Code: int(status), Message: statusName(status)}
	}

	entries := []struct {
		ptr  uintptr
		fptr any
		name string
	}{
		{lib.fn.GetLastErrorStr, &lib.getLastErrorStr, "GetLastErrorStr"},
		{lib.fn.CreateHandle, &lib.createHandle, "CreateHandle"},
		{lib.fn.DestroyHandle, &lib.destroyHandle, "DestroyHandle"},
		{lib.fn.GetStatus, &lib.getStatus, "GetStatus"},
		{lib.fn.CreateCaptureSession, &lib.createCaptureSession, "CreateCaptureSession"},
		{lib.fn.DestroyCaptureSession, &lib.destroyCaptureSession, "DestroyCaptureSession"},
		{lib.fn.ToSysSetUp, &lib.toSysSetUp, "ToSysSetUp"},
		{lib.fn.ToSysGrabFrame, &lib.toSysGrabFrame, "ToSysGrabFrame"},
		{lib.fn.ToCudaSetUp, &lib.toCudaSetUp, "ToCudaSetUp"},
		{lib.fn.ToCudaGrabFrame, &lib.toCudaGrabFrame, "ToCudaGrabFrame"},
		{lib.fn.BindContext, &lib.bindContext, "BindContext"},
		{lib.fn.ReleaseContext, &lib.releaseContext, "ReleaseContext"},
	}
	for _, e := range entries {
		if e.ptr == 0 {
			purego.Dlclose(handle)
			return nil, &capture.DriverError{Op: "NvFBCCreateInstance", Message: "missing entry point nvFBC" + e.name}
		}
		purego.RegisterFunc(e.fptr, e.ptr)
	}
	return lib, nil
}

func (l *fbcLibrary) close() error {
	if l == nil || l.handle == 0 {
		return nil
	}
	err := purego.Dlclose(l.handle)
	l.handle = 0
	return err
}
