package messaging

// LabelHandler injects the message label into outgoing headers and
// resolves it from incoming ones
type LabelHandler interface {
	Inject(headers Headers, label string)
	Resolve(headers Headers) string
}

// HeaderLabelHandler keeps the label in the x-message-type header
type HeaderLabelHandler struct{}

// Inject implements LabelHandler
func (HeaderLabelHandler) Inject(headers Headers, label string) {
	if label == "" {
		return
	}
	headers[HeaderMessageLabel] = label
}

// Resolve implements LabelHandler
func (HeaderLabelHandler) Resolve(headers Headers) string {
	label, _ := headers.String(HeaderMessageLabel)
	return label
}
