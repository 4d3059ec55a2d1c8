// Package playbook loads the article library that nudges link to. Articles
// are markdown files whose YAML frontmatter carries the title, slug, summary
// and tags.
package playbook
