package mocks

//go:generate bazelisk run --config=mayberemote //:mockery -- --name Provider --srcpkg=go.skia.org/taskfarm/go/lease --output ${PWD}
