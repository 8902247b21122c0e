package planeapi

import (
	"fmt"
	"net/url"
)

// WorkItemURL is the browse link for a work item identifier.
func (c *Client) WorkItemURL(slug, identifier string) string {
	if c.cfg.WebURL == "" || identifier == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/browse/%s/", c.cfg.WebURL, url.PathEscape(slug), url.PathEscape(identifier))
}

// EntityURL links to a project scoped entity in the web app.
func (c *Client) EntityURL(slug, projectID, entity, id string) string {
	if c.cfg.WebURL == "" || id == "" {
		return ""
	}
	base := fmt.Sprintf("%s/%s", c.cfg.WebURL, url.PathEscape(slug))
	switch entity {
	case "project":
		return fmt.Sprintf("%s/projects/%s/issues/", base, url.PathEscape(id))
	case "cycle":
		return fmt.Sprintf("%s/projects/%s/cycles/%s/", base, url.PathEscape(projectID), url.PathEscape(id))
	case "page":
		return fmt.Sprintf("%s/projects/%s/pages/%s/", base, url.PathEscape(projectID), url.PathEscape(id))
	case "workitem":
		return fmt.Sprintf("%s/projects/%s/issues/%s/", base, url.PathEscape(projectID), url.PathEscape(id))
	default:
		return ""
	}
}
