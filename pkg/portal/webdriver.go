package portal

import (
	"fmt"
	"time"

	"github.com/tebeka/selenium"
	"github.com/tebeka/selenium/chrome"
	"github.com/tebeka/selenium/firefox"
)

// WebDriverConfig points the session at a running WebDriver endpoint.
type WebDriverConfig struct {
	// URL is the WebDriver endpoint. Empty means the library's default
	// local address.
	URL string

	// Browser selects the browser. chrome and firefox are supported;
	// defaults to chrome.
	Browser string

	// Headless runs the browser without a display.
	Headless bool

	// DownloadDir overrides Chrome's download directory when set.
	DownloadDir string

	// PageTimeout bounds page loads when positive.
	PageTimeout time.Duration
}

// NewWebDriver connects to a WebDriver endpoint and returns a Driver over
// the remote browser.
func NewWebDriver(cfg WebDriverConfig) (Driver, error) {
	browser := cfg.Browser
	if browser == "" {
		browser = "chrome"
	}

	caps := selenium.Capabilities{"browserName": browser}
	switch browser {
	case "firefox":
		ffCaps := firefox.Capabilities{}
		if cfg.Headless {
			ffCaps.Args = append(ffCaps.Args, "-headless")
		}
		caps.AddFirefox(ffCaps)
	default:
		chromeCaps := chrome.Capabilities{
			Args: []string{
				"--no-sandbox",
				"--disable-gpu",
				"--disable-dev-shm-usage",
				"--window-size=1920,1080",
			},
		}
		if cfg.Headless {
			chromeCaps.Args = append(chromeCaps.Args, "--headless")
		}
		if cfg.DownloadDir != "" {
			chromeCaps.Prefs = map[string]interface{}{
				"download.default_directory": cfg.DownloadDir,
			}
		}
		caps.AddChrome(chromeCaps)
	}

	wd, err := selenium.NewRemote(caps, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to webdriver: %w", err)
	}
	if cfg.PageTimeout > 0 {
		if err := wd.SetPageLoadTimeout(cfg.PageTimeout); err != nil {
			_ = wd.Quit()
			return nil, fmt.Errorf("failed to set page load timeout: %w", err)
		}
	}
	return &webDriver{wd: wd}, nil
}

// webDriver adapts a Selenium remote to the Driver interface. Elements are
// selenium.WebElement values; selectors are CSS.
type webDriver struct {
	wd selenium.WebDriver
}

func (d *webDriver) Navigate(url string) error {
	if err := d.wd.Get(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (d *webDriver) Find(selector string) (Element, error) {
	el, err := d.wd.FindElement(selenium.ByCSSSelector, selector)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrElementNotFound, selector, err)
	}
	return el, nil
}

func (d *webDriver) SendKeys(el Element, text string) error {
	web, err := asWebElement(el)
	if err != nil {
		return err
	}
	return web.SendKeys(text)
}

func (d *webDriver) Clear(el Element) error {
	web, err := asWebElement(el)
	if err != nil {
		return err
	}
	return web.Clear()
}

func (d *webDriver) Click(el Element) error {
	web, err := asWebElement(el)
	if err != nil {
		return err
	}
	return web.Click()
}

func (d *webDriver) SelectOption(el Element, value string) error {
	web, err := asWebElement(el)
	if err != nil {
		return err
	}
	option, err := web.FindElement(selenium.ByCSSSelector, fmt.Sprintf("option[value=%q]", value))
	if err != nil {
		return fmt.Errorf("%w: option value %s", ErrElementNotFound, value)
	}
	return option.Click()
}

func (d *webDriver) SelectOptionText(el Element, text string) error {
	web, err := asWebElement(el)
	if err != nil {
		return err
	}
	option, err := web.FindElement(selenium.ByXPATH, fmt.Sprintf(".//option[normalize-space(.)=%q]", text))
	if err != nil {
		return fmt.Errorf("%w: option text %s", ErrElementNotFound, text)
	}
	return option.Click()
}

func (d *webDriver) Dispose() error {
	if err := d.wd.Quit(); err != nil {
		return fmt.Errorf("failed to quit webdriver: %w", err)
	}
	return nil
}

func asWebElement(el Element) (selenium.WebElement, error) {
	web, ok := el.(selenium.WebElement)
	if !ok {
		return nil, fmt.Errorf("element does not belong to this driver")
	}
	return web, nil
}
