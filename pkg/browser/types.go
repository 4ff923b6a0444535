package browser

// PageState is the transient read of the worker's current page. It is a
// point-in-time value returned from calls, never an authoritative cache:
// the host mirrors no browser state.
type PageState struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// ClickRequest identifies the element to click. Selector is a CSS
// selector; Description is a natural-language fallback for workers that
// resolve elements semantically.
type ClickRequest struct {
	Selector    string `json:"selector,omitempty"`
	Description string `json:"description,omitempty"`
}

// TypeRequest types text into an element.
type TypeRequest struct {
	Selector    string `json:"selector,omitempty"`
	Description string `json:"description,omitempty"`
	Text        string `json:"text"`
}

// SelectRequest picks an option from a select element.
type SelectRequest struct {
	Selector    string `json:"selector,omitempty"`
	Description string `json:"description,omitempty"`
	Value       string `json:"value"`
}

// ExtractRequest asks the worker to pull content off the current page.
type ExtractRequest struct {
	Instruction string `json:"instruction,omitempty"`
	Selector    string `json:"selector,omitempty"`
}

// ExtractResult is the extracted page content.
type ExtractResult struct {
	Content string `json:"content"`
}

// Screenshot carries a captured frame. Data is base64-encoded image bytes.
type Screenshot struct {
	Data   string `json:"data"`
	Format string `json:"format,omitempty"`
}

// CaptchaResult reports the outcome of a captcha solve attempt.
type CaptchaResult struct {
	Solved  bool   `json:"solved"`
	Message string `json:"message,omitempty"`
}
