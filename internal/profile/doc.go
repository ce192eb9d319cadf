// Package profile loads client connection profiles from HCL. A profile file
// holds one or more named client blocks (gateway endpoint, namespace, token,
// debounce) plus a free-form overrides block applied to the session settings
// map before the kernel's own values arrive.
package profile
